// listener and reactor: single-threaded epoll loop feeding the worker
// pool, built around an rlimit-sized atomic.Pointer connection table
// indexed by file descriptor.
package engine

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/gofcgi/server/ferrors"
	"github.com/kfcemployee/gofcgi/server/registry"
	"github.com/kfcemployee/gofcgi/server/stats"
)

const (
	backlog   = 16
	maxEvents = 128
)

// defaultGCInterval is the periodic sweep period used when none is configured.
const defaultGCInterval = 10 * time.Second

// Listener binds one listening socket and runs the single-threaded
// reactor over it: readable connections are read, parsed and dispatched on
// the reactor goroutine, and ready handlers' steps run on a worker pool.
type Listener struct {
	fd      int
	epollfd int
	pool    *Pool
	reg     *registry.Registry
	// chunkSize is read by acceptOne for every newly-accepted connection;
	// SetChunkSize lets a config reload change it for connections accepted
	// from then on without disturbing already-open OutputStreams.
	chunkSize atomic.Int64
	// gcInterval is nanoseconds (time.Duration's underlying type); Run
	// polls it once per reactor iteration and resets the sweep ticker
	// whenever SetGCInterval has changed it.
	gcInterval atomic.Int64
	log        *slog.Logger

	conns []atomic.Pointer[Connection]
}

// NewListener binds bind and prepares the reactor.
// It does not start accepting connections until Run is called.
func NewListener(bind string, pool *Pool, reg *registry.Registry, chunkSize int, gcInterval time.Duration, log *slog.Logger) (*Listener, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	spec, err := parseBind(bind)
	if err != nil {
		return nil, err
	}
	fd, err := listenSocket(spec)
	if err != nil {
		return nil, err
	}

	epollfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return nil, ferrors.Wrap(ferrors.IOFailure, err, "epoll_create1")
	}
	if err := unix.EpollCtl(epollfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		unix.Close(epollfd)
		unix.Close(fd)
		return nil, ferrors.Wrap(ferrors.IOFailure, err, "epoll_ctl add listener")
	}

	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		rlim.Cur = 4096
	}

	l := &Listener{
		fd:      fd,
		epollfd: epollfd,
		pool:    pool,
		reg:     reg,
		log:     log,
		conns:   make([]atomic.Pointer[Connection], int(rlim.Cur)),
	}
	l.chunkSize.Store(int64(chunkSize))
	l.gcInterval.Store(int64(gcInterval))
	return l, nil
}

// Run drives the reactor until ctx is cancelled or a SIGTERM is received,
// whichever comes first. It always returns after every listener resource
// has been released.
func (l *Listener) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	curGCInterval := l.gcInterval.Load()
	gcTicker := time.NewTicker(time.Duration(curGCInterval))
	defer gcTicker.Stop()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-sigCh:
		}
		close(stop)
	}()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-stop:
			l.shutdown()
			return nil
		case <-gcTicker.C:
			l.gcSweep()
		default:
		}

		if d := l.gcInterval.Load(); d != curGCInterval {
			curGCInterval = d
			gcTicker.Reset(time.Duration(curGCInterval))
		}

		n, err := unix.EpollWait(l.epollfd, events, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.shutdown()
			return ferrors.Wrap(ferrors.IOFailure, err, "epoll_wait")
		}

		for i := 0; i < n; i++ {
			efd := int(events[i].Fd)
			if efd == l.fd {
				l.acceptOne()
				continue
			}
			if conn := l.conns[efd].Load(); conn != nil {
				// reads, parses and dispatches all happen on this single
				// I/O goroutine — only handler steps run on the
				// worker pool.
				conn.OnReadable()
				if !conn.Valid() {
					l.conns[efd].Store(nil)
				} else {
					l.rearm(efd)
				}
			}
		}
	}
}

func (l *Listener) acceptOne() {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return
	}
	if nfd >= len(l.conns) {
		unix.Close(nfd)
		return
	}

	conn := NewConnection(nfd, l.reg, l.pool, int(l.chunkSize.Load()), l.log)
	l.conns[nfd].Store(conn)

	unix.EpollCtl(l.epollfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     int32(nfd),
	})
	l.log.Info("connection accepted", "correlation_id", conn.id, "fd", nfd)
}

// SetChunkSize changes the output chunk size used for connections
// accepted from this point on.
func (l *Listener) SetChunkSize(n int) {
	if n <= 0 {
		return
	}
	l.chunkSize.Store(int64(n))
}

// SetGCInterval changes the periodic sweep interval. Run picks up the
// change within one reactor iteration (at most a 200ms epoll_wait
// timeout) by resetting its ticker.
func (l *Listener) SetGCInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.gcInterval.Store(int64(d))
}

func (l *Listener) rearm(fd int) {
	unix.EpollCtl(l.epollfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	})
}

// gcSweep drops invalid connections from the table and sweeps each live
// connection's own request table.
func (l *Listener) gcSweep() {
	active := 0
	activeRequests := 0
	for fd := range l.conns {
		conn := l.conns[fd].Load()
		if conn == nil {
			continue
		}
		if !conn.Valid() {
			l.conns[fd].Store(nil)
			continue
		}
		conn.GC()
		active++
		activeRequests += conn.ActiveRequests()
	}

	snapshot := stats.ConnStats{
		ActiveConnections: active,
		ActiveRequests:    activeRequests,
		QueueDepth:        l.pool.QueueDepth(),
		WorkerCount:       l.pool.WorkerCount(),
	}
	l.log.Info("gc sweep complete", "stats", snapshot.JSON())
}

func (l *Listener) shutdown() {
	unix.Close(l.fd)
	unix.Close(l.epollfd)
	for fd := range l.conns {
		if conn := l.conns[fd].Load(); conn != nil {
			conn.invalidate(nil)
		}
	}
}
