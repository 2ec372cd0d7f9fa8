package protocol

import "encoding/binary"

var hostLittleEndian = func() bool {
	var probe uint16 = 1
	buf := [2]byte{}
	binary.NativeEndian.PutUint16(buf[:], probe)
	return buf[0] == 1
}()

// FastCGI integers are always big-endian on the wire regardless of host
// byte order. swapBytes is the one primitive every multi-byte field goes
// through to get there; we don't lean on compiler byte-swap intrinsics
// here since the wire layout, not speed, is what has to be right.
func swapBytes(dst, src []byte, width int) {
	if !hostLittleEndian {
		copy(dst[:width], src[:width])
		return
	}
	for i := 0; i < width; i++ {
		dst[i] = src[width-1-i]
	}
}

// Uint16 decodes a big-endian uint16 from a 2-byte slice.
func Uint16(b []byte) uint16 {
	_ = b[1]
	var host [2]byte
	swapBytes(host[:], b, 2)
	return binary.NativeEndian.Uint16(host[:])
}

// PutUint16 encodes v as big-endian into a 2-byte slice.
func PutUint16(b []byte, v uint16) {
	_ = b[1]
	var host [2]byte
	binary.NativeEndian.PutUint16(host[:], v)
	swapBytes(b, host[:], 2)
}

// Uint32 decodes a big-endian uint32 from a 4-byte slice.
func Uint32(b []byte) uint32 {
	_ = b[3]
	var host [4]byte
	swapBytes(host[:], b, 4)
	return binary.NativeEndian.Uint32(host[:])
}

// PutUint32 encodes v as big-endian into a 4-byte slice.
func PutUint32(b []byte, v uint32) {
	_ = b[3]
	var host [4]byte
	binary.NativeEndian.PutUint32(host[:], v)
	swapBytes(b, host[:], 4)
}
