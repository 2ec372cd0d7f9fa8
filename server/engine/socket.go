// listening-socket construction: bind grammar parsing and the raw
// socket/epoll primitives the listener is built on.
package engine

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/gofcgi/server/ferrors"
)

const defaultPort = 9800

// bindSpec is a parsed bind string: either a Unix domain socket path or a
// TCP host:port pair.
type bindSpec struct {
	unixPath string
	host     string
	port     int
}

// parseBind accepts three forms: "unix:PATH", "HOST:PORT", or "HOST"
// (defaulting to port 9800). A Unix path longer
// than sun_path (108 bytes, including the NUL terminator) is rejected at
// parse time rather than failing obscurely in bind(2).
func parseBind(bind string) (bindSpec, error) {
	if path, ok := strings.CutPrefix(bind, "unix:"); ok {
		if len(path)+1 > 108 {
			return bindSpec{}, ferrors.New(ferrors.ConfigFailure, "unix socket path exceeds sun_path length")
		}
		return bindSpec{unixPath: path}, nil
	}

	host, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		// no ":" present: bare HOST, default port.
		return bindSpec{host: bind, port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return bindSpec{}, ferrors.Wrap(ferrors.ConfigFailure, err, "invalid port in bind string")
	}
	return bindSpec{host: host, port: port}, nil
}

// listenSocket creates, binds and starts listening on a non-blocking
// socket for spec, returning its file descriptor.
func listenSocket(spec bindSpec) (int, error) {
	if spec.unixPath != "" {
		return listenUnix(spec.unixPath)
	}
	return listenTCP(spec.host, spec.port)
}

func listenUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, ferrors.Wrap(ferrors.IOFailure, err, "socket")
	}
	_ = unix.Unlink(path)

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, ferrors.Wrap(ferrors.ConfigFailure, err, "bind unix socket")
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, ferrors.Wrap(ferrors.ConfigFailure, err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, ferrors.Wrap(ferrors.IOFailure, err, "set nonblocking")
	}
	return fd, nil
}

func listenTCP(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, ferrors.Wrap(ferrors.IOFailure, err, "socket")
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var addr [4]byte
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil {
			unix.Close(fd)
			return -1, ferrors.New(ferrors.ConfigFailure, "bind host is not an IPv4 literal; hostname resolution is not performed")
		}
		ip4 := ip.To4()
		if ip4 == nil {
			unix.Close(fd)
			return -1, ferrors.New(ferrors.ConfigFailure, "bind host is not an IPv4 address")
		}
		copy(addr[:], ip4)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return -1, ferrors.Wrap(ferrors.ConfigFailure, err, "bind")
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, ferrors.Wrap(ferrors.ConfigFailure, err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, ferrors.Wrap(ferrors.IOFailure, err, "set nonblocking")
	}
	return fd, nil
}
