package bridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/novadial/voice-bridge/internal/callstate"
	"github.com/novadial/voice-bridge/internal/config"
	"github.com/novadial/voice-bridge/internal/model"
	"github.com/novadial/voice-bridge/internal/observability"
	"github.com/novadial/voice-bridge/internal/prompt"
	"github.com/novadial/voice-bridge/internal/telephony"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send a browser Origin header; media stream auth
		// happens at the TwiML level.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// startTimeout bounds how long we wait for the start event after upgrade.
const startTimeout = 10 * time.Second

// Handler accepts Twilio Media Streams connections and runs one Bridge per
// call.
type Handler struct {
	cfg      *config.Config
	registry *callstate.Registry
	prompts  *prompt.Builder
	control  Controller
	dial     model.Dialer
	logger   zerolog.Logger
}

// NewHandler creates the media stream handler.
func NewHandler(cfg *config.Config, registry *callstate.Registry, prompts *prompt.Builder, control Controller, dial model.Dialer, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		prompts:  prompts,
		control:  control,
		dial:     dial,
		logger:   logger,
	}
}

// ServeHTTP upgrades the connection, waits for the start event, then hands
// the call to a Bridge. Blocks for the call's lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	stream := telephony.NewStream(conn)
	start, err := awaitStart(stream)
	if err != nil {
		h.logger.Warn().Err(err).Msg("media stream ended before start event")
		stream.Close()
		return
	}
	stream.SetStreamSid(start.StreamSid)

	params := start.CustomParameters
	callID := params["call_id"]
	voiceID := params["voice_id"]
	if voiceID == "" {
		voiceID = h.cfg.DefaultVoiceID
	}
	scenario := params["scenario"]

	logger := h.logger.With().
		Str("call_id", callID).
		Str("call_sid", start.CallSid).
		Str("stream_sid", start.StreamSid).
		Logger()

	// Outbound calls carry a call_id from the placement API; inbound calls
	// get an ad-hoc record and no greeting trigger.
	greet := callID != ""
	if callID == "" {
		call := h.registry.Create("", voiceID, scenario)
		callID = call.ID
	}
	_ = h.registry.Update(callID, func(c *callstate.Call) {
		c.CallSid = start.CallSid
		c.StreamSid = start.StreamSid
	})

	session := model.NewSession(h.dial, model.SessionConfig{
		MaxInflightSends: h.cfg.MaxConcurrentSends,
		MaxTokens:        model.DefaultSessionConfig().MaxTokens,
		TopP:             model.DefaultSessionConfig().TopP,
		Temperature:      model.DefaultSessionConfig().Temperature,
	}, logger)

	bridge := New(Options{
		Config:       h.cfg,
		Stream:       stream,
		Session:      session,
		Control:      h.control,
		Registry:     h.registry,
		CallID:       callID,
		CallSid:      start.CallSid,
		SystemPrompt: h.prompts.Build(scenario),
		VoiceID:      voiceID,
		Greet:        greet,
		Metrics:      observability.NewCallMetrics(callID),
		Logger:       logger,
	})

	logger.Info().Msg("media stream connected")
	if err := bridge.Run(r.Context()); err != nil {
		logger.Error().Err(err).Msg("bridge ended with error")
	}
}

// awaitStart consumes pre-start events (Twilio sends a bare connected event
// first) until the start arrives.
func awaitStart(stream *telephony.Stream) (*telephony.Start, error) {
	deadline := time.After(startTimeout)
	starts := make(chan *telephony.Start, 1)
	fails := make(chan error, 1)

	go func() {
		for {
			msg, err := stream.ReadMessage()
			if err != nil {
				fails <- err
				return
			}
			if msg.Event == "start" && msg.Start != nil {
				starts <- msg.Start
				return
			}
		}
	}()

	select {
	case start := <-starts:
		return start, nil
	case err := <-fails:
		return nil, err
	case <-deadline:
		stream.Close()
		return nil, errStartTimeout
	}
}

var errStartTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "timed out waiting for stream start" }
func (*timeoutError) Timeout() bool { return true }
