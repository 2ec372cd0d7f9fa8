package handlers

import (
	"testing"

	"github.com/kfcemployee/gofcgi/server/protocol"
	"github.com/kfcemployee/gofcgi/server/request"
)

type fakeHost struct {
	writes   []protocol.Record
	finished []uint16
}

func (h *fakeHost) WriteRecord(recType protocol.RecType, requestId uint16, content []byte) error {
	cp := make([]byte, len(content))
	copy(cp, content)
	h.writes = append(h.writes, protocol.Record{
		Header:  protocol.Header{Type: recType, RequestId: requestId},
		Content: cp,
	})
	return nil
}

func (h *fakeHost) RequestFinished(id uint16) {
	h.finished = append(h.finished, id)
}

func closeParams(t *testing.T, r *request.Request, pairs []protocol.NameValue) {
	t.Helper()
	r.OpenParams()
	buf := make([]byte, protocol.EncodedLen(pairs))
	protocol.EncodeNameValues(buf, pairs)
	r.ParamStream.AppendChunk(buf)
	r.ParamStream.Close()
	if err := r.CloseParams(); err != nil {
		t.Fatalf("CloseParams: %v", err)
	}
}

func TestEchoHandlerStepsFalseUntilReady(t *testing.T) {
	h := &fakeHost{}
	r := request.New(1, protocol.RoleResponder, false, h, 64)
	handler := NewEchoFactory()(r)
	r.Handler = handler

	if handler.Step() {
		t.Fatal("Step should return false before PARAMS closes")
	}

	closeParams(t, r, []protocol.NameValue{{Name: "A", Value: "1"}})

	if !handler.Step() {
		t.Fatal("Step should return true once PARAMS has closed")
	}
}

func TestEchoHandlerWritesSortedParamsAndFinishes(t *testing.T) {
	h := &fakeHost{}
	r := request.New(2, protocol.RoleResponder, false, h, 64)
	handler := NewEchoFactory()(r)
	r.Handler = handler

	closeParams(t, r, []protocol.NameValue{
		{Name: "ZETA", Value: "9"},
		{Name: "ALPHA", Value: "1"},
	})
	handler.Step()

	var stdout []byte
	endRequests := 0
	for _, rec := range h.writes {
		switch rec.Header.Type {
		case protocol.TypeStdout:
			stdout = append(stdout, rec.Content...)
		case protocol.TypeEndRequest:
			endRequests++
			if rec.Content[4] != byte(protocol.StatusRequestComplete) {
				t.Fatalf("protocolStatus = %v, want REQUEST_COMPLETE", rec.Content[4])
			}
			if got := protocol.Uint32(rec.Content[0:4]); got != 0 {
				t.Fatalf("appStatus = %d, want 0", got)
			}
		}
	}
	if endRequests != 1 {
		t.Fatalf("got %d END_REQUEST records, want 1", endRequests)
	}
	want := "params: ALPHA=1 ZETA=9"
	if string(stdout) != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
}

func TestEchoHandlerRepeatedStepsAfterFinishAreNoops(t *testing.T) {
	h := &fakeHost{}
	r := request.New(3, protocol.RoleResponder, false, h, 64)
	handler := NewEchoFactory()(r)
	r.Handler = handler

	closeParams(t, r, nil)
	handler.Step()
	if !handler.Step() {
		t.Fatal("Step should keep returning true after finishing")
	}

	endRequests := 0
	for _, rec := range h.writes {
		if rec.Header.Type == protocol.TypeEndRequest {
			endRequests++
		}
	}
	if endRequests != 1 {
		t.Fatalf("got %d END_REQUEST records after repeated steps, want 1", endRequests)
	}
}
