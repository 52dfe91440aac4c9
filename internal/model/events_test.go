package model

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestDecodeAudioOutput(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	payload := base64.StdEncoding.EncodeToString(pcm)
	data := []byte(`{"event":{"audioOutput":{"content":"` + payload + `"}}}`)

	event, err := DecodeServerEvent(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	audio, ok := event.(AudioOutput)
	if !ok {
		t.Fatalf("expected AudioOutput, got %T", event)
	}
	if len(audio.PCM) != 4 || audio.PCM[0] != 0x01 {
		t.Errorf("unexpected PCM payload: %v", audio.PCM)
	}
}

func TestDecodeTextEvents(t *testing.T) {
	event, err := DecodeServerEvent([]byte(`{"event":{"textOutput":{"content":"hello"}}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if text, ok := event.(TextOutput); !ok || text.Content != "hello" {
		t.Errorf("expected TextOutput hello, got %#v", event)
	}

	event, err = DecodeServerEvent([]byte(`{"event":{"inputTranscript":{"content":"hi there"}}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if transcript, ok := event.(InputTranscript); !ok || transcript.Content != "hi there" {
		t.Errorf("expected InputTranscript, got %#v", event)
	}
}

func TestDecodeCompletionEnd(t *testing.T) {
	event, err := DecodeServerEvent([]byte(`{"event":{"completionEnd":{}}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := event.(CompletionEnd); !ok {
		t.Errorf("expected CompletionEnd, got %T", event)
	}
}

func TestDecodeProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing envelope", `{"foo":"bar"}`},
		{"unrecognized event", `{"event":{"somethingNew":{}}}`},
		{"bad base64", `{"event":{"audioOutput":{"content":"!!!"}}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeServerEvent([]byte(tc.data))
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
		})
	}
}

func TestEncodeClientEventEnvelope(t *testing.T) {
	data, err := encodeClientEvent(clientEventBody{SessionStart: &sessionStartEvent{
		InferenceConfiguration: inferenceConfiguration{MaxTokens: 256, TopP: 0.9, Temperature: 0.7},
	}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"event"`) || !strings.Contains(s, `"sessionStart"`) {
		t.Errorf("missing envelope or event name: %s", s)
	}
	if strings.Contains(s, "promptStart") {
		t.Errorf("omitempty leaked empty events: %s", s)
	}
}

func TestClassifyStartFailure(t *testing.T) {
	cases := []struct {
		msg  string
		want StartFailureCause
	}{
		{"AccessDeniedException: not authorized", CauseAccessDenied},
		{"server returned 403", CauseAccessDenied},
		{"ResourceNotFoundException", CauseModelUnavailable},
		{"handshake failed with 404", CauseModelUnavailable},
		{"SignatureDoesNotMatch", CauseInvalidCredentials},
		{"unexpected 401", CauseInvalidCredentials},
		{"ExpiredTokenException", CauseExpiredCredentials},
		{"connection refused", CauseUnknown},
	}

	for _, tc := range cases {
		if got := classifyStartFailure(errors.New(tc.msg)); got != tc.want {
			t.Errorf("%q: classified %v, want %v", tc.msg, got, tc.want)
		}
	}
}
