package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/library"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isAllowedOrigin(origin)
	},
}

// progressHandler streams export.Progress updates as JSON text frames
// until the export finishes or the client goes away.
func progressHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := lookupExport(cfg, w, r)
		if !ok {
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Warn("websocket upgrade failed", "export_id", e.ID, "error", err)
			return
		}
		defer conn.Close()

		if e.Terminal() {
			writeProgress(conn, finalProgress(e))
			closeNormal(conn)
			return
		}

		sub := cfg.Hub.Subscribe(e.ID)
		defer sub.Close()

		gone := make(chan struct{})
		go readUntilClosed(conn, gone)

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case p, ok := <-sub.Updates():
				if !ok {
					closeNormal(conn)
					return
				}
				if err := writeProgress(conn, p); err != nil {
					return
				}
				if p.Done {
					closeNormal(conn)
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

func finalProgress(e *library.Export) export.Progress {
	msg := e.Message
	if e.Error != "" {
		msg = e.Error
	}
	return export.Progress{
		ExportID:   e.ID,
		Percentage: e.Progress,
		Message:    msg,
		State:      e.Status,
		Done:       true,
	}
}

func writeProgress(conn *websocket.Conn, p export.Progress) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(p)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "export finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// readUntilClosed drains client frames so control messages are handled,
// and closes gone when the peer disconnects.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
