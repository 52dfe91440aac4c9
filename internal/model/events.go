package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Content block roles and types recognized by the model protocol.
const (
	RoleSystem = "SYSTEM"
	RoleUser   = "USER"

	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
)

// ProtocolError reports a malformed or unrecognized event from the model
// transport. Callers log and skip the event; the stream continues.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("model protocol error: %s", e.Reason)
}

// Outbound event payloads. Every message wraps exactly one named event
// under an "event" key.

type inferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type textConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type audioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type sessionStartEvent struct {
	InferenceConfiguration inferenceConfiguration `json:"inferenceConfiguration"`
}

type promptStartEvent struct {
	PromptName               string                   `json:"promptName"`
	TextOutputConfiguration  textConfiguration        `json:"textOutputConfiguration"`
	AudioOutputConfiguration audioOutputConfiguration `json:"audioOutputConfiguration"`
}

type contentStartEvent struct {
	PromptName              string                   `json:"promptName"`
	ContentName             string                   `json:"contentName"`
	Type                    string                   `json:"type"`
	Interactive             bool                     `json:"interactive"`
	Role                    string                   `json:"role"`
	TextInputConfiguration  *textConfiguration       `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *audioInputConfiguration `json:"audioInputConfiguration,omitempty"`
}

type textInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type audioInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"` // base64 PCM16
}

type contentEndEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type"`
}

type promptEndEvent struct {
	PromptName string `json:"promptName"`
}

type sessionEndEvent struct{}

type clientEventBody struct {
	SessionStart *sessionStartEvent `json:"sessionStart,omitempty"`
	PromptStart  *promptStartEvent  `json:"promptStart,omitempty"`
	ContentStart *contentStartEvent `json:"contentStart,omitempty"`
	TextInput    *textInputEvent    `json:"textInput,omitempty"`
	AudioInput   *audioInputEvent   `json:"audioInput,omitempty"`
	ContentEnd   *contentEndEvent   `json:"contentEnd,omitempty"`
	PromptEnd    *promptEndEvent    `json:"promptEnd,omitempty"`
	SessionEnd   *sessionEndEvent   `json:"sessionEnd,omitempty"`
}

type clientEvent struct {
	Event clientEventBody `json:"event"`
}

func encodeClientEvent(body clientEventBody) ([]byte, error) {
	return json.Marshal(clientEvent{Event: body})
}

// ServerEvent is the closed set of inbound protocol events. Unrecognized
// events decode to a ProtocolError and are dropped by the receive loop.
type ServerEvent interface {
	isServerEvent()
}

// AudioOutput carries one burst of decoded PCM16 model audio.
type AudioOutput struct {
	PCM []byte
}

// TextOutput carries the text rendition of the model's speech.
type TextOutput struct {
	Content string
}

// InputTranscript carries the model's transcription of user audio.
type InputTranscript struct {
	Content string
}

// CompletionEnd signals the model finished one turn.
type CompletionEnd struct{}

func (AudioOutput) isServerEvent()     {}
func (TextOutput) isServerEvent()      {}
func (InputTranscript) isServerEvent() {}
func (CompletionEnd) isServerEvent()   {}

type serverEventBody struct {
	AudioOutput *struct {
		Content string `json:"content"`
	} `json:"audioOutput"`
	TextOutput *struct {
		Content string `json:"content"`
	} `json:"textOutput"`
	InputTranscript *struct {
		Content string `json:"content"`
	} `json:"inputTranscript"`
	CompletionEnd *json.RawMessage `json:"completionEnd"`
}

type serverEvent struct {
	Event *serverEventBody `json:"event"`
}

// DecodeServerEvent parses one inbound protocol message into its tagged
// variant.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if msg.Event == nil {
		return nil, &ProtocolError{Reason: "missing event envelope"}
	}

	body := msg.Event
	switch {
	case body.AudioOutput != nil:
		pcm, err := base64.StdEncoding.DecodeString(body.AudioOutput.Content)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("invalid audioOutput payload: %v", err)}
		}
		return AudioOutput{PCM: pcm}, nil
	case body.TextOutput != nil:
		return TextOutput{Content: body.TextOutput.Content}, nil
	case body.InputTranscript != nil:
		return InputTranscript{Content: body.InputTranscript.Content}, nil
	case body.CompletionEnd != nil:
		return CompletionEnd{}, nil
	default:
		return nil, &ProtocolError{Reason: "unrecognized event"}
	}
}
