package api

import (
	"net/http"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsMessage is one frame of a request subscription.
type wsMessage struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Chunk  *domain.StreamChunk `json:"chunk,omitempty"`
	State  string              `json:"state,omitempty"`
	Reason string              `json:"reason,omitempty"`
	Error  string              `json:"error,omitempty"`
	Status *requestStatus      `json:"status,omitempty"`
}

// handleSubscribeWS streams a request submitted with X-Async over a
// websocket: one "chunk" frame per relayed chunk, then a "done" frame with
// the terminal state. Closing the socket early cancels the request.
func (h *Handler) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	env, ok := h.ownedEnvelope(w, r)
	if !ok {
		return
	}
	if !env.ClaimChunks() {
		writeSubscriberConflict(w, env)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(m wsMessage) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(m)
	}

	if err := write(wsMessage{Type: "subscribed", ID: env.ID, State: env.State().String()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	// Chunks is closed when the request finishes, also when it never streamed.
	chunks := env.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				<-env.Done()
				st := statusOf(env)
				write(wsMessage{
					Type:   "done",
					ID:     env.ID,
					State:  st.State,
					Reason: st.Reason,
					Error:  st.Error,
					Status: &st,
				})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := write(wsMessage{Type: "chunk", ID: env.ID, Chunk: &chunk}); err != nil {
				h.abandon(env)
				return
			}

		case <-ping.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.abandon(env)
				return
			}

		case <-closed:
			h.abandon(env)
			return
		}
	}
}
