package stats

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONRoundTrips(t *testing.T) {
	s := ConnStats{ActiveConnections: 3, ActiveRequests: 5, QueueDepth: 2, WorkerCount: 4}
	blob := s.JSON()

	var got ConnStats
	if err := json.Unmarshal([]byte(blob), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != s {
		t.Fatalf("round trip = %+v, want %+v", got, s)
	}
}

func TestJSONUsesSnakeCaseFields(t *testing.T) {
	blob := ConnStats{ActiveConnections: 1}.JSON()
	want := `"active_connections":1`
	if !strings.Contains(blob, want) {
		t.Fatalf("JSON() = %q, want it to contain %q", blob, want)
	}
}
