package runners_api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// merchant apps connect from their own origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream pushes the runner request to the client every time it changes and
// closes once the request reaches a final state.
func (a *RunnersAPI) stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// subscribe first so an outcome landing between Get and the loop is not lost
	updates, unsubscribe := a.hub.Subscribe(id)
	defer unsubscribe()

	cur, err := a.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "id", id, "error", err.Error())
		return
	}
	defer conn.Close()

	if err := sendRecord(conn, cur); err != nil || cur.State.Final() {
		closeNormal(conn)
		return
	}

	// the read side only exists to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(a.pingInterval)
	defer ping.Stop()

	last := cur
	push := func(rr *models.RunnerRequest) bool {
		if !changed(last, rr) {
			return true
		}
		last = rr
		if err := sendRecord(conn, rr); err != nil {
			slog.Warn("websocket write failed", "id", id, "error", err.Error())
			return false
		}
		if rr.State.Final() {
			closeNormal(conn)
			return false
		}
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			// the hub only sees outcomes applied by this process
			rr, err := a.svc.Get(r.Context(), id)
			if err != nil {
				slog.Warn("stream refresh failed", "id", id, "error", err.Error())
				continue
			}
			if !push(rr) {
				return
			}
		case rr, ok := <-updates:
			if !ok || !push(rr) {
				return
			}
		}
	}
}

func changed(prev, next *models.RunnerRequest) bool {
	return prev.State != next.State || prev.Polls != next.Polls || !prev.UpdatedAt.Equal(next.UpdatedAt)
}

func sendRecord(conn *websocket.Conn, rr *models.RunnerRequest) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(rr)
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
