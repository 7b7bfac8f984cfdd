package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// WebsocketDialer is the production Dialer, backed by gorilla/websocket.
type WebsocketDialer struct{}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to websocket: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return payload, nil
	}
}

func (w *wsConn) WriteMessage(payload []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func unmarshal(raw []byte, out any) {
	// Call sites have already kind-matched the frame; a partial decode of a
	// sloppy frame is preferable to dropping it.
	_ = json.Unmarshal(raw, out)
}
