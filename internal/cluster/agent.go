package cluster

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const reconnectDelay = 2 * time.Second

// Agent is the worker-side half of the control channel. It keeps one
// connection to the coordinator, answers count requests from the injected
// callback, and invokes OnShutdown when the coordinator says drain.
type Agent struct {
	WorkerID   string
	ControlURL string
	Count      func() int
	OnShutdown func()

	log zerolog.Logger
}

func NewAgent(workerID, controlURL string, count func() int, onShutdown func(), log zerolog.Logger) *Agent {
	return &Agent{
		WorkerID:   workerID,
		ControlURL: controlURL,
		Count:      count,
		OnShutdown: onShutdown,
		log:        log,
	}
}

// Run dials the coordinator and serves control frames until the context ends
// or a shutdown frame arrives. Connection failures reconnect with a fixed
// delay; the worker keeps serving polls regardless.
func (a *Agent) Run(ctx context.Context) {
	target, err := a.controlTarget()
	if err != nil {
		a.log.Error().Err(err).Str("url", a.ControlURL).Msg("bad control url")
		return
	}

	for ctx.Err() == nil {
		if done := a.serveOnce(ctx, target); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Agent) controlTarget() (string, error) {
	u, err := url.Parse(a.ControlURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("worker", a.WorkerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serveOnce runs one control connection to completion. Returns true when the
// agent should stop for good (shutdown received).
func (a *Agent) serveOnce(ctx context.Context, target string) bool {
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("coordinator dial failed, will retry")
		return false
	}
	defer conn.CloseNow()

	a.log.Info().Str("worker", a.WorkerID).Msg("connected to coordinator")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			a.log.Warn().Err(err).Msg("control connection lost, will retry")
			return false
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Warn().Err(err).Msg("bad control frame")
			continue
		}

		switch frame.Type {
		case FrameCountRequest:
			reply := Frame{Type: FrameCount, WorkerID: a.WorkerID, Active: a.Count()}
			out, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				a.log.Warn().Err(err).Msg("count reply failed")
				return false
			}
		case FrameShutdown:
			a.log.Info().Msg("shutdown received from coordinator")
			if a.OnShutdown != nil {
				a.OnShutdown()
			}
			_ = conn.Close(websocket.StatusNormalClosure, "draining")
			return true
		}
	}
}
