package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/novadial/voice-bridge/internal/audio"
	"github.com/novadial/voice-bridge/internal/callstate"
	"github.com/novadial/voice-bridge/internal/config"
	"github.com/novadial/voice-bridge/internal/model"
	"github.com/novadial/voice-bridge/internal/observability"
	"github.com/novadial/voice-bridge/internal/telephony"
)

// markEveryFrames is how often a playback mark is interleaved with outbound
// media, giving the far end a progress acknowledgement roughly once a second.
const markEveryFrames = 50

// statsInterval is how often per-call counters are logged.
const statsInterval = 10 * time.Second

// fallbackApology is spoken over the call when the model session cannot
// start; the caller should never sit in dead air.
const fallbackApology = "I'm sorry, I'm having technical difficulties connecting your call. Please try again later."

// Controller is the call-control surface the bridge needs for teardown.
// Satisfied by callcontrol.Client.
type Controller interface {
	Hangup(ctx context.Context, callSid string) error
	SayAndHangup(ctx context.Context, callSid, text string) error
}

// Options configures one Bridge.
type Options struct {
	Config       *config.Config
	Stream       *telephony.Stream
	Session      *model.Session
	Control      Controller // optional; nil disables REST teardown
	Registry     *callstate.Registry
	CallID       string
	CallSid      string
	SystemPrompt string
	VoiceID      string
	Greet        bool // model speaks first (outbound calls)
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

// Bridge owns the full lifetime of one call: it starts the model session,
// ferries caller audio through VAD gating into the session, relays model
// audio back through a bounded queue at telephony pace, handles barge-in,
// and enforces the call duration cap.
//
// Concurrency contract: the inbound loop is the only writer of turn state
// and the only owner of barge-in; the relay task is the only producer into
// the playback queue; the paced sender is its only consumer.
type Bridge struct {
	cfg      *config.Config
	stream   *telephony.Stream
	session  *model.Session
	control  Controller
	registry *callstate.Registry
	metrics  *observability.Metrics
	logger   zerolog.Logger

	callID       string
	callSid      string
	systemPrompt string
	voiceID      string
	greet        bool

	vad   *audio.Detector
	queue *audio.FrameQueue

	relayMu     sync.Mutex
	relayCancel context.CancelFunc
	relayDone   chan struct{}

	hangupOnce sync.Once
	expired    chan struct{} // closed when the duration cap fires
}

// New creates a Bridge for an accepted media stream.
func New(opts Options) *Bridge {
	cfg := opts.Config
	return &Bridge{
		cfg:      cfg,
		stream:   opts.Stream,
		session:  opts.Session,
		control:  opts.Control,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		logger:   opts.Logger,

		callID:       opts.CallID,
		callSid:      opts.CallSid,
		systemPrompt: opts.SystemPrompt,
		voiceID:      opts.VoiceID,
		greet:        opts.Greet,

		vad: audio.NewDetector(
			&audio.VADConfig{
				Threshold:     cfg.VADThreshold,
				SpeechFrames:  cfg.SpeechFrames(),
				SilenceFrames: cfg.SilenceFrames(),
			},
			&audio.EnergyScorer{
				SilenceFloor:  cfg.VADSilenceFloor,
				SpeechCeiling: cfg.VADSpeechCeiling,
			},
		),
		queue:   audio.NewFrameQueue(cfg.FrameQueueCapacity),
		expired: make(chan struct{}),
	}
}

// Run drives the call to completion. It blocks until the stream ends, the
// duration cap fires, or the model session fails.
func (b *Bridge) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	b.metrics.RecordCallStart()
	defer b.metrics.RecordCallEnd()

	b.setStatus(callstate.StatusConnected)

	if err := b.session.Start(ctx, b.systemPrompt, b.voiceID); err != nil {
		return b.failBeforeStreaming(err)
	}
	defer b.session.Close()

	b.setStatus(callstate.StatusStreaming)
	b.ensureRelay(ctx)

	if b.greet {
		b.session.TriggerInitialResponse()
	}

	go b.pacedSender(ctx)
	go b.watchdog(ctx)
	go b.statsReporter(ctx)
	go b.turnWatcher(ctx)
	go b.transcriptWatcher(ctx)
	go b.sessionMonitor(ctx)

	err := b.inboundLoop(ctx)

	// Teardown order: stop producing, drain nothing, close the session,
	// then release the transport. Each step tolerates the others failing.
	cancel()
	b.stopRelay()
	if cerr := b.session.Close(); cerr != nil {
		b.logger.Debug().Err(cerr).Msg("session close")
	}
	b.stream.Close()

	// A model transport failure mid-call ends the stream from our side; the
	// call outcome should reflect it.
	if err == nil {
		err = b.session.Err()
	}

	if err != nil {
		b.failCall(err.Error())
		return err
	}
	b.setStatus(callstate.StatusCompleted)
	b.logger.Info().Msg("call completed")
	return nil
}

// failBeforeStreaming handles a fatal error before any audio flowed: log the
// classified diagnostic, speak an apology over the call, mark it failed.
func (b *Bridge) failBeforeStreaming(err error) error {
	var startErr *model.SessionStartError
	if errors.As(err, &startErr) {
		b.logger.Error().
			Err(err).
			Str("cause", startErr.Cause.String()).
			Str("hint", startErr.Diagnostic()).
			Msg("model session failed to start")
	} else {
		b.logger.Error().Err(err).Msg("model session failed to start")
	}
	observability.RecordError("session_start_error", "bridge")

	if b.control != nil && b.callSid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := b.control.SayAndHangup(ctx, b.callSid, fallbackApology); serr != nil {
			b.logger.Warn().Err(serr).Msg("spoken fallback failed")
		}
	}
	b.stream.Close()
	b.failCall(err.Error())
	return err
}

// inboundLoop reads telephony messages until the stream ends. It is the
// sole writer of VAD and turn state.
func (b *Bridge) inboundLoop(ctx context.Context) error {
	for {
		msg, err := b.stream.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-b.expired:
				return nil
			default:
			}
			// Remote close is the normal way inbound calls end.
			b.logger.Debug().Err(err).Msg("media stream read ended")
			return nil
		}

		switch msg.Event {
		case "media":
			b.handleMedia(ctx, msg.Media)
		case "mark":
			if msg.Mark != nil {
				b.logger.Debug().Str("mark", msg.Mark.Name).Msg("playback mark acknowledged")
			}
		case "stop":
			b.logger.Info().Msg("media stream stopped by far end")
			b.session.FinishUserTurn()
			return nil
		case "connected", "start":
			// Consumed by the handler before the bridge runs.
		default:
			b.logger.Debug().Str("event", msg.Event).Msg("ignoring stream event")
		}
	}
}

// handleMedia decodes one inbound frame and applies VAD gating. Malformed
// frames are dropped, never fatal.
func (b *Bridge) handleMedia(ctx context.Context, media *telephony.Media) {
	if media == nil || media.Payload == "" {
		return
	}

	mulaw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		b.metrics.RecordDrop("telephony_base64")
		return
	}
	pcm, err := audio.DecodeMuLaw(mulaw)
	if err != nil {
		b.metrics.RecordDrop("telephony_format")
		return
	}
	b.metrics.RecordFrame("in", len(mulaw))

	// The detector scores the raw frame; the gate would depress borderline
	// confidences below the threshold.
	decision := b.vad.Process(pcm)

	if decision.Started {
		b.logger.Debug().Float64("confidence", decision.Confidence).Msg("caller started speaking")
		b.bargeIn(ctx)
	}

	// Frames before the rising edge are withheld as probable noise; once
	// speaking, everything flows until the falling edge, gated on the way out.
	if decision.Speaking {
		b.session.SendAudio(audio.ApplyNoiseGate(pcm, b.cfg.NoiseGateThreshold))
	}

	if decision.Ended {
		b.logger.Debug().Msg("caller stopped speaking")
		b.session.FinishUserTurn()
		// The model's reply is imminent; make sure something is draining it.
		b.ensureRelay(ctx)
	}
}

// bargeIn interrupts model playback: clear the far-end buffer first so the
// caller stops hearing stale speech, then cancel and await the relay, then
// drop everything still queued locally.
func (b *Bridge) bargeIn(ctx context.Context) {
	b.relayMu.Lock()
	active := b.relayCancel != nil
	b.relayMu.Unlock()
	if !active && b.queue.Len() == 0 {
		return
	}

	b.metrics.RecordBargeIn()
	b.logger.Info().Msg("barge-in: caller interrupted model speech")

	if err := b.stream.SendClear(); err != nil {
		b.logger.Warn().Err(err).Msg("clear failed during barge-in")
	}
	b.stopRelay()
	b.queue.Clear()
}

// ensureRelay spawns the relay task if none is active. At most one relay
// exists at a time.
func (b *Bridge) ensureRelay(ctx context.Context) {
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	if b.relayCancel != nil {
		return
	}

	rctx, rcancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.relayCancel = rcancel
	b.relayDone = done

	go func() {
		defer close(done)
		for {
			select {
			case <-rctx.Done():
				return
			case frame, ok := <-b.session.Frames():
				if !ok {
					return
				}
				if b.queue.Push(frame) {
					b.metrics.RecordQueueEviction()
				}
			}
		}
	}()
}

// stopRelay cancels the relay task and waits for it to exit so no frame can
// land in the queue afterwards.
func (b *Bridge) stopRelay() {
	b.relayMu.Lock()
	cancel, done := b.relayCancel, b.relayDone
	b.relayCancel, b.relayDone = nil, nil
	b.relayMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pacedSender drains the playback queue at one frame per tick so outbound
// audio arrives at real-time rate regardless of model burst size.
func (b *Bridge) pacedSender(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FrameDuration())
	defer ticker.Stop()

	framesSent := 0
	markSeq := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := b.queue.TryPop()
			if !ok {
				continue
			}

			mulaw, err := audio.EncodeMuLaw(frame)
			if err != nil {
				b.metrics.RecordDrop("model_format")
				continue
			}
			if err := b.stream.SendMedia(mulaw); err != nil {
				b.logger.Debug().Err(err).Msg("outbound media write failed")
				return
			}
			b.metrics.RecordFrame("out", len(mulaw))

			framesSent++
			if framesSent%markEveryFrames == 0 {
				markSeq++
				if err := b.stream.SendMark(fmt.Sprintf("playback-%d", markSeq)); err != nil {
					b.logger.Debug().Err(err).Msg("mark write failed")
				}
			}
		}
	}
}

// watchdog enforces the call duration cap. Closing the stream unblocks the
// inbound loop; the REST hangup is the failsafe in case the socket close
// does not end the actual call leg.
func (b *Bridge) watchdog(ctx context.Context) {
	timer := time.NewTimer(b.cfg.MaxCallDuration())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	b.logger.Warn().
		Dur("max_duration", b.cfg.MaxCallDuration()).
		Msg("call duration cap reached, forcing hangup")
	close(b.expired)
	b.stream.Close()

	if b.control != nil && b.callSid != "" {
		b.hangupOnce.Do(func() {
			hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.control.Hangup(hctx, b.callSid); err != nil {
				b.logger.Error().Err(err).Msg("failsafe hangup failed")
			}
		})
	}
}

// sessionMonitor tears the call down if the model transport dies mid-call.
func (b *Bridge) sessionMonitor(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-b.session.Done():
	}

	if err := b.session.Err(); err != nil {
		b.logger.Error().Err(err).Msg("model session died mid-call")
		b.stream.Close()
	}
}

// turnWatcher logs turn boundaries and keeps a relay alive across them.
func (b *Bridge) turnWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-b.session.Turns():
			if !ok {
				return
			}
			b.logger.Debug().Msg("model turn completed")
			b.ensureRelay(ctx)
		}
	}
}

// transcriptWatcher records both sides of the conversation against the call.
func (b *Bridge) transcriptWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.session.Transcripts():
			if !ok {
				return
			}
			b.logger.Debug().Str("role", ev.Role).Str("text", ev.Content).Msg("transcript")
			if b.callID == "" {
				continue
			}
			if err := b.registry.AppendTranscript(b.callID, ev.Role, ev.Content); err != nil {
				b.logger.Debug().Err(err).Msg("transcript append skipped")
			}
		}
	}
}

// statsReporter periodically logs per-call counters.
func (b *Bridge) statsReporter(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in, out, dropped, barges, evictions, elapsed := b.metrics.Snapshot()
			b.logger.Info().
				Int64("frames_in", in).
				Int64("frames_out", out).
				Int64("frames_dropped", dropped).
				Int64("barge_ins", barges).
				Int64("queue_evictions", evictions).
				Dur("elapsed", elapsed).
				Int("queue_depth", b.queue.Len()).
				Msg("call stats")
		}
	}
}

func (b *Bridge) setStatus(status callstate.Status) {
	if b.callID == "" {
		return
	}
	if err := b.registry.SetStatus(b.callID, status); err != nil {
		b.logger.Debug().Err(err).Msg("status update skipped")
	}
}

func (b *Bridge) failCall(reason string) {
	if b.callID == "" {
		return
	}
	if err := b.registry.Fail(b.callID, reason); err != nil {
		b.logger.Debug().Err(err).Msg("failure update skipped")
	}
}
