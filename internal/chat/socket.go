package chat

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shopchat/livechat/pkg/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10 // 64 KiB
)

// ServeSocket binds a connection to its websocket and runs the read loop on
// the calling goroutine. The write loop runs concurrently; both terminate
// when the socket closes, after which the broker is told about the drop.
func ServeSocket(b *Broker, conn *Connection, ws *websocket.Conn) {
	conn.SetCloseHook(func() {
		_ = ws.Close()
	})

	b.HandleConnect(conn)

	go writeLoop(conn, ws)
	readLoop(b, conn, ws)
}

func readLoop(b *Broker, conn *Connection, ws *websocket.Conn) {
	defer b.HandleDisconnect(conn)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithModule("chat").Debug("unexpected close",
					zap.String("participant", conn.ParticipantID()),
					zap.Error(err),
				)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		b.HandleFrame(conn, payload)
	}
}

func writeLoop(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case event, ok := <-conn.Events():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
