package model

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a bidirectional stream of protocol messages. Send must be
// safe for concurrent use; Receive is called from a single receive loop.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to the model endpoint. Session.Start dials
// lazily so a failed dial leaves the session in IDLE and retryable.
type Dialer func(ctx context.Context) (Transport, error)

// wsTransport carries protocol messages over a WebSocket connection.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWS returns a Dialer connecting to the model's WebSocket endpoint
// with bearer authentication.
func DialWS(url, apiKey, modelID string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		header := http.Header{}
		if apiKey != "" {
			header.Set("Authorization", "Bearer "+apiKey)
		}
		if modelID != "" {
			header.Set("X-Model-Id", modelID)
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, &TransportError{Err: fmt.Errorf("%w (status %d)", err, resp.StatusCode)}
			}
			return nil, &TransportError{Err: err}
		}
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
