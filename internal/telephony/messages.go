package telephony

// Twilio Media Streams wire messages. Inbound events are start, media, stop
// and mark; outbound events are media, mark and clear. Media payloads are
// base64 mu-law at 8kHz.

// Message represents a message from Twilio Media Streams
type Message struct {
	Event          string  `json:"event"`
	StreamSid      string  `json:"streamSid,omitempty"`
	SequenceNumber string  `json:"sequenceNumber,omitempty"`
	Media          *Media  `json:"media,omitempty"`
	Start          *Start  `json:"start,omitempty"`
	Stop           *Stop   `json:"stop,omitempty"`
	Mark           *Mark   `json:"mark,omitempty"`
}

// Media represents the media payload in a media event
type Media struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // Base64 encoded mu-law audio
}

// Start represents the start event payload
type Start struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the negotiated stream encoding
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Stop represents the stop event payload
type Stop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
	StreamSid  string `json:"streamSid"`
}

// Mark acknowledges playback of a previously sent mark
type Mark struct {
	Name string `json:"name"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Name string `json:"name"`
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *outboundMark  `json:"mark,omitempty"`
}
