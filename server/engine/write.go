// serialised record emission: one pooled frame buffer per write, so a
// busy connection doesn't allocate a fresh slice for every outbound
// record.
package engine

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/gofcgi/server/protocol"
)

const maxRecordFrame = protocol.HeaderLength + protocol.MaxContent + protocol.MaxPadding

var writeBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxRecordFrame)
		return &b
	},
}

// writeRecordTo frames recType/requestId/content into a pooled buffer and
// writes it to fd in a single syscall. content must be at most
// protocol.MaxContent bytes — callers split larger payloads before
// reaching here.
func writeRecordTo(fd int, recType protocol.RecType, requestId uint16, content []byte) error {
	bufPtr := writeBufPool.Get().(*[]byte)
	defer writeBufPool.Put(bufPtr)
	buf := *bufPtr

	pad := protocol.PaddingFor(len(content))
	total := protocol.HeaderLength + len(content) + int(pad)

	protocol.EncodeHeader(buf[:protocol.HeaderLength], protocol.Header{
		Version:       protocol.Version1,
		Type:          recType,
		RequestId:     requestId,
		ContentLength: uint16(len(content)),
		PaddingLength: pad,
	})
	n := copy(buf[protocol.HeaderLength:], content)
	for i := protocol.HeaderLength + n; i < total; i++ {
		buf[i] = 0
	}

	_, err := unix.Write(fd, buf[:total])
	return err
}
