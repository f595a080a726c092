package cluster

// Control frames exchanged between the coordinator and worker agents over
// the websocket control channel. Workers never talk to each other.
const (
	FrameCountRequest = "count_request"
	FrameCount        = "count"
	FrameShutdown     = "shutdown"
)

type Frame struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
	Active   int    `json:"active,omitempty"`
}
