// per-request state: the logical request multiplexed onto a connection's
// request id, its streams, and the attached handler.
package request

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kfcemployee/gofcgi/server/ferrors"
	"github.com/kfcemployee/gofcgi/server/protocol"
	"github.com/kfcemployee/gofcgi/server/stream"
)

// State is the request's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateParamsOpen
	StateReady
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateParamsOpen:
		return "params-open"
	case StateReady:
		return "ready"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Handler is the user-supplied per-request logic, run by the process's
// handler registry for the role a request was opened with.
type Handler interface {
	// Step runs one cooperative slice of handler work, returning true once
	// the request is complete.
	Step() bool
	// OnReceiveData is notified when a STDIN/DATA chunk arrives. May be a
	// no-op.
	OnReceiveData(rec *protocol.Record)
	// OnAbort runs when the request is aborted. The zero-value embedding
	// BaseHandler supplies the default (finish(1)).
	OnAbort()
}

// Host is what a Request needs from its owning Connection: a serialised
// way to emit records, and notification that a request has finished so the
// connection can drop it from its table.
type Host interface {
	WriteRecord(recType protocol.RecType, requestId uint16, content []byte) error
	RequestFinished(id uint16)
}

// Request is one logical request multiplexed onto a connection.
type Request struct {
	Id             uint16
	Role           protocol.Role
	KeepConnection bool

	ParamStream *stream.Input
	StdinStream *stream.Input
	DataStream  *stream.Input

	StdoutStream *stream.Output
	StderrStream *stream.Output

	Handler Handler

	host Host

	mu     sync.Mutex
	state  State
	params map[string]string

	aborted atomic.Bool
	valid   atomic.Bool
}

// New builds a Request in StateInit, wired to host for record emission and
// finish notification. chunkSize configures the output streams (0 falls
// back to the 4086-byte default).
func New(id uint16, role protocol.Role, keepConnection bool, host Host, chunkSize int) *Request {
	r := &Request{
		Id:             id,
		Role:           role,
		KeepConnection: keepConnection,
		ParamStream:    &stream.Input{},
		StdinStream:    &stream.Input{},
		DataStream:     &stream.Input{},
		host:           host,
	}
	r.StdoutStream = stream.NewOutput(host, id, protocol.TypeStdout, chunkSize)
	r.StderrStream = stream.NewOutput(host, id, protocol.TypeStderr, chunkSize)
	r.valid.Store(true)
	return r
}

// State reports the request's current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Valid reports whether the request is still live: neither finished nor
// swept by garbage collection. Workers re-check this between cooperative
// yield points.
func (r *Request) Valid() bool {
	return r.valid.Load()
}

// Aborted reports whether ABORT_REQUEST has been received for this
// request.
func (r *Request) Aborted() bool {
	return r.aborted.Load()
}

// Params returns the decoded PARAMS map. Only meaningful once the request
// has reached StateReady or later.
func (r *Request) Params() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// OpenParams transitions INIT -> PARAMS_OPEN on the first PARAMS record.
// A no-op once already past INIT, since the dispatcher may call this once
// per PARAMS record rather than only the first.
func (r *Request) OpenParams() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateInit {
		r.state = StateParamsOpen
	}
}

// CloseParams decodes the accumulated PARAMS content and transitions to
// StateReady. Returns a SegmentViolation if the name/value stream is
// malformed.
func (r *Request) CloseParams() error {
	content := r.ParamStream.Bytes()
	pairs, err := protocol.DecodeNameValues(content)
	if err != nil {
		return ferrors.Wrap(ferrors.SegmentViolation, err, "malformed PARAMS content")
	}

	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		params[p.Name] = p.Value
	}

	r.mu.Lock()
	r.params = params
	r.state = StateReady
	r.mu.Unlock()
	return nil
}

// Ready reports whether PARAMS has closed.
func (r *Request) Ready() bool {
	return r.State() >= StateReady
}

// SortedParams returns the request's params as name=value pairs sorted by
// name, for handlers (like the demo responder) that want deterministic
// output.
func (r *Request) SortedParams() []string {
	params := r.Params()
	out := make([]string, 0, len(params))
	for k, v := range params {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Abort marks the request aborted and invokes the handler's onAbort hook.
func (r *Request) Abort() {
	r.aborted.Store(true)
	if r.Handler != nil {
		r.Handler.OnAbort()
	}
}

// Send writes p to the request's stdout stream, matching the handler
// contract's request.send(message).
func (r *Request) Send(p []byte) (int, error) {
	return r.StdoutStream.Write(p)
}

// Finish closes both output streams, emits END_REQUEST, marks the request
// finished and invalid, and notifies the host so it can be dropped from
// the connection's table. Idempotent: finishing twice is a no-op.
func (r *Request) Finish(appStatus uint32) error {
	r.mu.Lock()
	if r.state == StateFinished {
		r.mu.Unlock()
		return nil
	}
	r.state = StateFinished
	r.mu.Unlock()

	r.valid.Store(false)

	if err := r.StdoutStream.Close(); err != nil && err != stream.ErrClosed {
		return err
	}
	if err := r.StderrStream.Close(); err != nil && err != stream.ErrClosed {
		return err
	}

	var body [8]byte
	protocol.EndRequestBody{
		AppStatus:      appStatus,
		ProtocolStatus: protocol.StatusRequestComplete,
	}.Encode(body[:])
	if err := r.host.WriteRecord(protocol.TypeEndRequest, r.Id, body[:]); err != nil {
		return err
	}

	r.host.RequestFinished(r.Id)
	return nil
}

// BaseHandler supplies the default OnAbort behaviour (finish(1)) and a
// default Step that finishes the request with app status 0 straight away,
// so a bare BaseHandler is itself a Handler. Embed it in a concrete Handler
// to get those defaults for free and override Step (and OnAbort when a
// handler needs bespoke cleanup).
type BaseHandler struct {
	Request *Request
}

func (h BaseHandler) Step() bool {
	_ = h.Request.Finish(0)
	return true
}

func (h BaseHandler) OnAbort() {
	_ = h.Request.Finish(1)
}

func (h BaseHandler) OnReceiveData(*protocol.Record) {}
