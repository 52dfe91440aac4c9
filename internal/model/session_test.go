package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/novadial/voice-bridge/internal/audio"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	incoming  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// eventNames returns the name of each sent event, in order.
func (t *fakeTransport) eventNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	for _, data := range t.sent {
		var msg struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			names = append(names, "invalid")
			continue
		}
		for name := range msg.Event {
			names = append(names, name)
		}
	}
	return names
}

func (t *fakeTransport) countEvent(name string) int {
	n := 0
	for _, got := range t.eventNames() {
		if got == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func startedSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	dial := func(ctx context.Context) (Transport, error) { return transport, nil }

	s := NewSession(dial, DefaultSessionConfig(), zerolog.Nop())
	if err := s.Start(context.Background(), "be helpful", "matthew"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s, transport
}

func TestStartEventOrder(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	want := []string{
		"sessionStart",
		"promptStart",
		"contentStart", // system text block
		"textInput",
		"contentEnd",
		"contentStart", // interactive user audio block
	}
	got := transport.eventNames()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
	if s.State() != StateReady {
		t.Errorf("expected READY after Start, got %s", s.State())
	}
}

func TestStartIsNoOpWhenNotIdle(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	before := len(transport.eventNames())
	if err := s.Start(context.Background(), "again", "matthew"); err != nil {
		t.Fatalf("restart should be a silent no-op, got %v", err)
	}
	if len(transport.eventNames()) != before {
		t.Error("no-op Start sent protocol events")
	}
}

func TestStartDialFailureClassified(t *testing.T) {
	dial := func(ctx context.Context) (Transport, error) {
		return nil, errors.New("handshake rejected: 403 AccessDenied")
	}
	s := NewSession(dial, DefaultSessionConfig(), zerolog.Nop())

	err := s.Start(context.Background(), "", "matthew")
	var startErr *SessionStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected SessionStartError, got %v", err)
	}
	if startErr.Cause != CauseAccessDenied {
		t.Errorf("expected access_denied cause, got %s", startErr.Cause)
	}
	if s.State() != StateIdle {
		t.Errorf("failed start should return to IDLE, got %s", s.State())
	}
}

func TestCloseDuringStartLeavesSessionClosed(t *testing.T) {
	transport := newFakeTransport()
	var s *Session
	dial := func(ctx context.Context) (Transport, error) {
		// A caller tears the session down while the dial is in flight.
		if err := s.Close(); err != nil {
			t.Errorf("Close during Start failed: %v", err)
		}
		return transport, nil
	}
	s = NewSession(dial, DefaultSessionConfig(), zerolog.Nop())

	if err := s.Start(context.Background(), "be helpful", "matthew"); err != nil {
		t.Fatalf("Start after a racing Close should be a quiet no-op, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("racing Close lost to Start: state is %s, want closed", s.State())
	}
	if names := transport.eventNames(); len(names) != 0 {
		t.Errorf("prelude events sent on a closed session: %v", names)
	}
	select {
	case <-transport.closed:
	default:
		t.Error("transport dialed after Close was never released")
	}
}

func TestTranscriptsSurfaceBothRoles(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	transport.incoming <- []byte(`{"event":{"textOutput":{"content":"Hello there"}}}`)
	transport.incoming <- []byte(`{"event":{"inputTranscript":{"content":"hi, who is this"}}}`)

	want := []TranscriptEvent{
		{Role: "assistant", Content: "Hello there"},
		{Role: "user", Content: "hi, who is this"},
	}
	for i, w := range want {
		select {
		case got := <-s.Transcripts():
			if got != w {
				t.Errorf("transcript %d: got %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("transcript %d never arrived", i)
		}
	}
}

func TestSendAudioBeforeStartIsNoOp(t *testing.T) {
	s := NewSession(func(ctx context.Context) (Transport, error) {
		t.Fatal("dial should not be called")
		return nil, nil
	}, DefaultSessionConfig(), zerolog.Nop())

	s.SendAudio(make([]byte, audio.FrameSizeBytes))
	s.FinishUserTurn()
	s.TriggerInitialResponse()
}

func TestSendAudioReachesTransport(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	s.SendAudio(make([]byte, audio.FrameSizeBytes))
	waitFor(t, func() bool { return transport.countEvent("audioInput") == 1 },
		"audioInput never sent")
}

func TestFinishUserTurnClosesContentAndPrompt(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	s.FinishUserTurn()
	names := transport.eventNames()
	if names[len(names)-2] != "contentEnd" || names[len(names)-1] != "promptEnd" {
		t.Errorf("expected contentEnd then promptEnd, got %v", names)
	}

	// No open content block: further audio is silently dropped.
	s.SendAudio(make([]byte, audio.FrameSizeBytes))
	time.Sleep(20 * time.Millisecond)
	if transport.countEvent("audioInput") != 0 {
		t.Error("audio sent after user turn finished")
	}

	// Finishing again is a no-op.
	before := len(transport.eventNames())
	s.FinishUserTurn()
	if len(transport.eventNames()) != before {
		t.Error("double FinishUserTurn sent events")
	}
}

func TestTriggerInitialResponse(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	s.TriggerInitialResponse()

	// The open audio block closes, then an empty text block, then promptEnd.
	want := []string{"contentEnd", "contentStart", "textInput", "contentEnd", "promptEnd"}
	names := transport.eventNames()
	tail := names[len(names)-len(want):]
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("expected tail %v, got %v", want, tail)
		}
	}
}

func TestAudioOutputChunkedIntoFrames(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	pcm := make([]byte, audio.FrameSizeBytes*2)
	payload := base64.StdEncoding.EncodeToString(pcm)
	transport.incoming <- []byte(`{"event":{"audioOutput":{"content":"` + payload + `"}}}`)

	for i := 0; i < 2; i++ {
		select {
		case frame := <-s.Frames():
			if len(frame) != audio.FrameSizeBytes {
				t.Fatalf("frame %d: got %d bytes, want %d", i, len(frame), audio.FrameSizeBytes)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestCompletionEndRotatesPrompt(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	transport.incoming <- []byte(`{"event":{"completionEnd":{}}}`)

	select {
	case <-s.Turns():
	case <-time.After(2 * time.Second):
		t.Fatal("turn signal never arrived")
	}

	// Rotation opens a fresh prompt and a fresh user audio block.
	waitFor(t, func() bool { return transport.countEvent("promptStart") == 2 },
		"second promptStart never sent")
	waitFor(t, func() bool { return transport.countEvent("contentStart") == 3 },
		"reopened audio content never sent")

	// The new prompt scope must use a fresh identifier.
	transport.mu.Lock()
	var promptNames []string
	for _, data := range transport.sent {
		var msg struct {
			Event struct {
				PromptStart *promptStartEvent `json:"promptStart"`
			} `json:"event"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Event.PromptStart != nil {
			promptNames = append(promptNames, msg.Event.PromptStart.PromptName)
		}
	}
	transport.mu.Unlock()
	if len(promptNames) != 2 || promptNames[0] == promptNames[1] {
		t.Errorf("expected two distinct prompt names, got %v", promptNames)
	}
}

func TestMalformedEventSkipped(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	transport.incoming <- []byte(`garbage`)
	transport.incoming <- []byte(`{"event":{"completionEnd":{}}}`)

	select {
	case <-s.Turns():
		// The stream survived the malformed event.
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not survive a malformed event")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, transport := startedSession(t)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", s.State())
	}
	if n := transport.countEvent("sessionEnd"); n != 1 {
		t.Errorf("expected exactly one sessionEnd, got %d", n)
	}
	// The open audio block was closed on the way out.
	if transport.countEvent("promptEnd") != 1 {
		t.Error("open prompt not ended during Close")
	}
}

func TestCloseSwallowsTeardownErrors(t *testing.T) {
	s, transport := startedSession(t)
	transport.mu.Lock()
	transport.sendErr = errors.New("broken pipe")
	transport.mu.Unlock()

	if err := s.Close(); err != nil {
		t.Errorf("Close should swallow teardown send failures, got %v", err)
	}
}

func TestCloseFromIdle(t *testing.T) {
	s := NewSession(func(ctx context.Context) (Transport, error) { return nil, nil },
		DefaultSessionConfig(), zerolog.Nop())
	if err := s.Close(); err != nil {
		t.Fatalf("Close from IDLE failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", s.State())
	}
}

func TestTransportFailureSurfacesErr(t *testing.T) {
	s, transport := startedSession(t)

	transport.Close() // simulates the remote dropping the connection

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never fired after transport failure")
	}
	if s.Err() == nil {
		t.Error("expected a terminal transport error")
	}
	s.Close()
}

func TestStreamingStateOnFirstAudio(t *testing.T) {
	s, transport := startedSession(t)
	defer s.Close()

	payload := base64.StdEncoding.EncodeToString(make([]byte, audio.FrameSizeBytes))
	transport.incoming <- []byte(`{"event":{"audioOutput":{"content":"` + payload + `"}}}`)

	<-s.Frames()
	waitFor(t, func() bool { return s.State() == StateStreaming },
		"session never entered STREAMING")
}
