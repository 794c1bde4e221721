package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"peerd/internal/manager"
	"peerd/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		if !corsEnabled {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range corsAllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return origin == ""
	},
}

// @Summary     Runtime event stream
// @Description Websocket. Each JSON text frame is an Event whose type names the payload. On connect the last load progress, the cache stats and the preload status are sent, then every change.
// @Tags        runtime
// @Success     101 {object} types.Event
// @Router      /events [get]
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		zlog.Debug().Err(err).Msg("events_upgrade_failed")
		return
	}
	defer conn.Close()

	progress, unsubscribe := h.svc.SubscribeProgress()
	defer unsubscribe()
	cache, unsubscribeCache := h.svc.SubscribeCache()
	defer unsubscribeCache()
	preloads, unsubscribePreload := h.svc.SubscribePreload()
	defer unsubscribePreload()

	send := func(ev types.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev) == nil
	}
	if p := h.svc.Status().Progress; p != nil {
		if !send(types.Event{Type: types.EventProgress, Progress: p}) {
			return
		}
	}

	// The read pump only tracks pongs and the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					zlog.Debug().Err(err).Msg("events_read_failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case p, ok := <-progress:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			dto := manager.ProgressDTO(p)
			if !send(types.Event{Type: types.EventProgress, Progress: &dto}) {
				return
			}
		case st, ok := <-cache:
			if !ok {
				cache = nil
				continue
			}
			if !send(types.Event{Type: types.EventCache, Cache: &st}) {
				return
			}
		case pr, ok := <-preloads:
			if !ok {
				preloads = nil
				continue
			}
			if !send(types.Event{Type: types.EventPreload, Preload: &pr}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-serverBaseCtx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
