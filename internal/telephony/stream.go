package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a WebSocket connection the stream needs. Satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Stream wraps one Twilio Media Streams connection. Reads happen from a
// single reader goroutine; writes are serialized internally so the paced
// sender and control-plane writes do not interleave mid-message.
type Stream struct {
	conn      Conn
	writeMu   sync.Mutex
	streamSid string
}

// NewStream wraps an upgraded connection. The stream SID is learned from
// the start event via SetStreamSid.
func NewStream(conn Conn) *Stream {
	return &Stream{conn: conn}
}

// SetStreamSid records the stream identifier from the start event. Outbound
// messages are rejected until it is set.
func (s *Stream) SetStreamSid(sid string) {
	s.writeMu.Lock()
	s.streamSid = sid
	s.writeMu.Unlock()
}

// StreamSid returns the negotiated stream identifier.
func (s *Stream) StreamSid() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.streamSid
}

// ReadMessage blocks for the next inbound Media Streams message.
func (s *Stream) ReadMessage() (*Message, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed stream message: %w", err)
	}
	return &msg, nil
}

// SendMedia writes one mu-law frame to the caller.
func (s *Stream) SendMedia(mulaw []byte) error {
	return s.write(&outboundMessage{
		Event: "media",
		Media: &outboundMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark inserts a named playback marker; Twilio echoes it back once all
// media queued before it has been played.
func (s *Stream) SendMark(name string) error {
	return s.write(&outboundMessage{
		Event: "mark",
		Mark:  &outboundMark{Name: name},
	})
}

// SendClear discards all audio Twilio has buffered but not yet played.
// Used on barge-in so the caller stops hearing stale model speech.
func (s *Stream) SendClear() error {
	return s.write(&outboundMessage{Event: "clear"})
}

func (s *Stream) write(msg *outboundMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.streamSid == "" {
		return fmt.Errorf("stream not started")
	}
	msg.StreamSid = s.streamSid

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
