package model

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/novadial/voice-bridge/internal/audio"
	"github.com/novadial/voice-bridge/internal/observability"
)

// State is the lifecycle phase of a model session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateStreaming // bookkeeping sub-state of READY, entered once output flows
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig tunes one model session.
type SessionConfig struct {
	MaxInflightSends int     // bound on queued audio sends
	MaxTokens        int     // inference configuration
	TopP             float64 //
	Temperature      float64 //
}

// DefaultSessionConfig returns the session tuning used in production.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxInflightSends: 3,
		MaxTokens:        256,
		TopP:             0.9,
		Temperature:      0.7,
	}
}

// Session wraps the bidirectional model protocol: session lifecycle, prompt
// lifecycle, content-block lifecycle and turn boundaries. The protocol
// requires strict ordering: session opened, prompt declared with output
// formats, system context sent as a complete non-interactive block, then an
// interactive audio content block opened before any audio may stream.
//
// All exported methods are safe for concurrent use.
type Session struct {
	dial   Dialer
	cfg    SessionConfig
	logger zerolog.Logger

	mu               sync.Mutex
	state            State
	transport        Transport
	voiceID          string
	promptName       string
	audioContentName string // empty when no user turn is open
	err              error

	sendq    chan []byte
	stopSend chan struct{}
	stopOnce sync.Once

	frames      chan []byte
	turns       chan struct{}
	transcripts chan TranscriptEvent
	recvDone    chan struct{}

	chunker *audio.Chunker
}

// TranscriptEvent is one line of conversation text: the model's spoken
// output or its transcription of the caller.
type TranscriptEvent struct {
	Role    string // "assistant" or "user"
	Content string
}

// NewSession creates an idle session. Start must be called before any other
// operation has effect.
func NewSession(dial Dialer, cfg SessionConfig, logger zerolog.Logger) *Session {
	if cfg.MaxInflightSends <= 0 {
		cfg.MaxInflightSends = DefaultSessionConfig().MaxInflightSends
	}
	return &Session{
		dial:        dial,
		cfg:         cfg,
		logger:      logger,
		state:       StateIdle,
		sendq:       make(chan []byte, cfg.MaxInflightSends),
		stopSend:    make(chan struct{}),
		frames:      make(chan []byte, 64),
		turns:       make(chan struct{}, 4),
		transcripts: make(chan TranscriptEvent, 32),
		recvDone:    make(chan struct{}),
		chunker:     audio.NewChunker(audio.FrameSizeBytes),
	}
}

// Start opens the transport and walks the mandatory protocol prelude:
// sessionStart, promptStart, the three-part system context block, then one
// interactive audio content block for user input. IDLE→STARTING→READY.
// On failure the session returns to IDLE and the error is classified; a
// fresh Start is required, partial state is never resumable. Start from any
// state other than IDLE is a no-op.
func (s *Session) Start(ctx context.Context, systemText, voiceID string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.logger.Warn().Str("state", s.state.String()).Msg("Start ignored: session not idle")
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		if s.transport != nil {
			_ = s.transport.Close()
			s.transport = nil
		}
		// A Close racing in during the prelude owns the terminal state.
		if s.state == StateStarting {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return newSessionStartError(err)
	}

	transport, err := s.dial(ctx)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.transport = transport
	s.voiceID = voiceID
	s.promptName = uuid.NewString()
	s.mu.Unlock()

	if systemText == "" {
		systemText = "You are a helpful AI assistant."
	}

	if err := s.emit(clientEventBody{SessionStart: &sessionStartEvent{
		InferenceConfiguration: inferenceConfiguration{
			MaxTokens:   s.cfg.MaxTokens,
			TopP:        s.cfg.TopP,
			Temperature: s.cfg.Temperature,
		},
	}}); err != nil {
		return fail(err)
	}

	if err := s.emit(clientEventBody{PromptStart: s.promptStart()}); err != nil {
		return fail(err)
	}

	if err := s.sendSystemBlock(systemText); err != nil {
		return fail(err)
	}

	if err := s.openAudioContent(); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	if s.state != StateStarting {
		// Close raced in during the prelude; its terminal state stands and
		// the transport it never saw is released here.
		s.transport = nil
		s.mu.Unlock()
		_ = transport.Close()
		return nil
	}
	s.state = StateReady
	s.mu.Unlock()

	go s.sendLoop()
	go s.recvLoop(transport)

	s.logger.Info().Str("voice_id", voiceID).Msg("model session ready")
	return nil
}

// SendAudio forwards one PCM16 frame as a content payload. No-op unless the
// session is READY/STREAMING with an open user audio block. Never blocks the
// caller: when the bounded send queue is full the frame is dropped.
func (s *Session) SendAudio(frame []byte) {
	s.mu.Lock()
	ok := (s.state == StateReady || s.state == StateStreaming) && s.audioContentName != ""
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case s.sendq <- frame:
	default:
		observability.RecordFrameDropped("model_send_backpressure")
		s.logger.Debug().Msg("send queue full, dropping audio frame")
	}
}

// FinishUserTurn closes the open user audio content block and the prompt,
// signaling the model to produce a response. No-op if no user turn is open.
func (s *Session) FinishUserTurn() {
	s.mu.Lock()
	if (s.state != StateReady && s.state != StateStreaming) || s.audioContentName == "" {
		s.mu.Unlock()
		return
	}
	promptName, contentName := s.promptName, s.audioContentName
	s.audioContentName = ""
	s.mu.Unlock()

	if err := s.emit(clientEventBody{ContentEnd: &contentEndEvent{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        ContentTypeAudio,
	}}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close audio content")
	}
	if err := s.emit(clientEventBody{PromptEnd: &promptEndEvent{PromptName: promptName}}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to end prompt")
	}
	s.logger.Debug().Msg("user turn finished, awaiting model response")
}

// TriggerInitialResponse makes the model speak first on an outbound call.
// The protocol requires a prompt to contain at least one content block
// before it can end, so an empty user block is sent followed by promptEnd.
func (s *Session) TriggerInitialResponse() {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	promptName, audioContent := s.promptName, s.audioContentName
	s.audioContentName = ""
	s.mu.Unlock()

	// The interactive audio block opened at start must be closed before the
	// prompt can end.
	if audioContent != "" {
		if err := s.emit(clientEventBody{ContentEnd: &contentEndEvent{
			PromptName:  promptName,
			ContentName: audioContent,
			Type:        ContentTypeAudio,
		}}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close audio content")
		}
	}

	contentName := uuid.NewString()
	events := []clientEventBody{
		{ContentStart: &contentStartEvent{
			PromptName:             promptName,
			ContentName:            contentName,
			Type:                   ContentTypeText,
			Interactive:            true,
			Role:                   RoleUser,
			TextInputConfiguration: &textConfiguration{MediaType: "text/plain"},
		}},
		{TextInput: &textInputEvent{PromptName: promptName, ContentName: contentName, Content: ""}},
		{ContentEnd: &contentEndEvent{PromptName: promptName, ContentName: contentName, Type: ContentTypeText}},
		{PromptEnd: &promptEndEvent{PromptName: promptName}},
	}
	for _, ev := range events {
		if err := s.emit(ev); err != nil {
			s.logger.Warn().Err(err).Msg("failed to trigger initial response")
			return
		}
	}
	s.logger.Info().Msg("initial prompt ended to trigger model greeting")
}

// Frames yields decoded PCM16 model audio, one exact frame per receive.
// Closed when the receive loop ends.
func (s *Session) Frames() <-chan []byte {
	return s.frames
}

// Turns signals each completed model turn, after the session has rotated to
// a fresh prompt scope and reopened a user audio block.
func (s *Session) Turns() <-chan struct{} {
	return s.turns
}

// Transcripts yields conversation text as the model produces it. Closed
// when the receive loop ends; entries are dropped if nobody is draining.
func (s *Session) Transcripts() <-chan TranscriptEvent {
	return s.transcripts
}

// Done is closed when the receive loop exits. If the session was not
// closing at that point, Err reports the transport failure.
func (s *Session) Done() <-chan struct{} {
	return s.recvDone
}

// Err returns the terminal transport error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close is idempotent. It closes any open user content block and prompt,
// emits sessionEnd and releases the transport. Secondary errors during
// teardown are swallowed: writes to a half-closed transport are expected
// and must never crash the caller.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateIdle {
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	promptName, contentName := s.promptName, s.audioContentName
	s.audioContentName = ""
	transport := s.transport
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopSend) })

	if transport != nil {
		if contentName != "" {
			s.sendBestEffort(transport, clientEventBody{ContentEnd: &contentEndEvent{
				PromptName:  promptName,
				ContentName: contentName,
				Type:        ContentTypeAudio,
			}})
			s.sendBestEffort(transport, clientEventBody{PromptEnd: &promptEndEvent{PromptName: promptName}})
		}
		s.sendBestEffort(transport, clientEventBody{SessionEnd: &sessionEndEvent{}})
		if err := transport.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("transport close")
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info().Msg("model session closed")
	return nil
}

func (s *Session) promptStart() *promptStartEvent {
	return &promptStartEvent{
		PromptName:              s.promptName,
		TextOutputConfiguration: textConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: audioOutputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: audio.SampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         s.voiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}
}

func (s *Session) sendSystemBlock(systemText string) error {
	contentName := uuid.NewString()
	events := []clientEventBody{
		{ContentStart: &contentStartEvent{
			PromptName:             s.promptName,
			ContentName:            contentName,
			Type:                   ContentTypeText,
			Interactive:            false,
			Role:                   RoleSystem,
			TextInputConfiguration: &textConfiguration{MediaType: "text/plain"},
		}},
		{TextInput: &textInputEvent{PromptName: s.promptName, ContentName: contentName, Content: systemText}},
		{ContentEnd: &contentEndEvent{PromptName: s.promptName, ContentName: contentName, Type: ContentTypeText}},
	}
	for _, ev := range events {
		if err := s.emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// openAudioContent opens a fresh interactive user audio block so the next
// utterance has somewhere to go. At most one is open at a time.
func (s *Session) openAudioContent() error {
	contentName := uuid.NewString()

	err := s.emit(clientEventBody{ContentStart: &contentStartEvent{
		PromptName:  s.currentPrompt(),
		ContentName: contentName,
		Type:        ContentTypeAudio,
		Interactive: true,
		Role:        RoleUser,
		AudioInputConfiguration: &audioInputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: audio.SampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	}})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.audioContentName = contentName
	s.mu.Unlock()
	return nil
}

func (s *Session) currentPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptName
}

// emit sends one protocol event. After the session has begun closing,
// events are suppressed rather than raised: writes to a half-closed
// transport are expected during teardown.
func (s *Session) emit(body clientEventBody) error {
	s.mu.Lock()
	state := s.state
	transport := s.transport
	s.mu.Unlock()

	if transport == nil || state == StateClosing || state == StateClosed {
		return nil
	}

	data, err := encodeClientEvent(body)
	if err != nil {
		return err
	}
	return transport.Send(data)
}

// sendBestEffort is the teardown variant of emit: it writes to the given
// transport regardless of state and swallows failures.
func (s *Session) sendBestEffort(transport Transport, body clientEventBody) {
	data, err := encodeClientEvent(body)
	if err != nil {
		return
	}
	if err := transport.Send(data); err != nil {
		s.logger.Debug().Err(err).Msg("teardown event dropped")
	}
}

// sendLoop serializes audio sends so frame ordering is preserved while the
// bounded queue caps outstanding work.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.stopSend:
			return
		case frame := <-s.sendq:
			s.mu.Lock()
			promptName, contentName := s.promptName, s.audioContentName
			s.mu.Unlock()
			if contentName == "" {
				continue
			}

			err := s.emit(clientEventBody{AudioInput: &audioInputEvent{
				PromptName:  promptName,
				ContentName: contentName,
				Content:     base64.StdEncoding.EncodeToString(frame),
			}})
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to send audio frame")
				observability.RecordError("model_send_error", "model")
			} else {
				observability.RecordSessionEvent("audioInput")
			}
		}
	}
}

// recvLoop decodes protocol events and reacts: audio yields frames, a
// completionEnd rotates the prompt scope so the next utterance has a home.
func (s *Session) recvLoop(transport Transport) {
	defer func() {
		close(s.frames)
		close(s.turns)
		close(s.transcripts)
		close(s.recvDone)
	}()

	for {
		data, err := transport.Receive()
		if err != nil {
			s.mu.Lock()
			closing := s.state == StateClosing || s.state == StateClosed
			if !closing {
				s.err = err
			}
			s.mu.Unlock()
			if !closing {
				s.logger.Error().Err(err).Msg("model transport failed")
				observability.RecordError("model_transport_error", "model")
			}
			return
		}

		event, derr := DecodeServerEvent(data)
		if derr != nil {
			// Malformed or unrecognized events are skipped; the stream continues.
			s.logger.Debug().Err(derr).Msg("skipping model event")
			observability.RecordError("model_protocol_error", "model")
			continue
		}

		switch e := event.(type) {
		case AudioOutput:
			observability.RecordSessionEvent("audioOutput")
			s.mu.Lock()
			if s.state == StateReady {
				s.state = StateStreaming
			}
			s.mu.Unlock()

			for _, frame := range s.chunker.Push(e.PCM) {
				select {
				case s.frames <- frame:
				default:
					// Nobody is draining (barge-in cancelled the relay); the
					// far end already cleared its playback, so drop.
					observability.RecordFrameDropped("relay_inactive")
				}
			}

		case CompletionEnd:
			observability.RecordSessionEvent("completionEnd")
			s.logger.Debug().Msg("model turn completed, rotating prompt")
			s.rotatePrompt()
			select {
			case s.turns <- struct{}{}:
			default:
			}

		case TextOutput:
			observability.RecordSessionEvent("textOutput")
			s.logger.Info().Str("text", e.Content).Msg("model text output")
			select {
			case s.transcripts <- TranscriptEvent{Role: "assistant", Content: e.Content}:
			default:
			}

		case InputTranscript:
			observability.RecordSessionEvent("inputTranscript")
			s.logger.Info().Str("transcript", e.Content).Msg("user transcript")
			select {
			case s.transcripts <- TranscriptEvent{Role: "user", Content: e.Content}:
			default:
			}
		}
	}
}

// rotatePrompt opens a fresh prompt scope after a completed model turn: the
// protocol requires a new prompt identifier with the same output
// configuration, plus a reopened user audio block.
func (s *Session) rotatePrompt() {
	s.mu.Lock()
	if s.state != StateReady && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.promptName = uuid.NewString()
	s.mu.Unlock()

	if err := s.emit(clientEventBody{PromptStart: s.promptStart()}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to start new prompt")
		return
	}
	if err := s.openAudioContent(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reopen audio content")
	}
}
