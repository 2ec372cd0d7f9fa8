// periodic introspection snapshot: counts only, logged
// as a single structured field rather than served over any network
// interface.
package stats

import jsoniter "github.com/json-iterator/go"

// ConnStats is a point-in-time snapshot of live server state.
type ConnStats struct {
	ActiveConnections int `json:"active_connections"`
	ActiveRequests    int `json:"active_requests"`
	QueueDepth        int `json:"queue_depth"`
	WorkerCount       int `json:"worker_count"`
}

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON encodes the snapshot as a single compact JSON blob, for embedding
// as one structured log field.
func (s ConnStats) JSON() string {
	b, err := api.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}
