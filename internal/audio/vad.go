package audio

// Scorer produces a speech confidence in [0,1] for one PCM16 frame.
// Implementations may wrap a learned classifier; EnergyScorer is the
// built-in fallback.
type Scorer interface {
	Score(frame []byte) float64
}

// EnergyScorer maps frame RMS amplitude linearly between a silence floor
// and a speech ceiling, clamped to [0,1].
type EnergyScorer struct {
	SilenceFloor  float64
	SpeechCeiling float64
}

// Score implements Scorer.
func (s *EnergyScorer) Score(frame []byte) float64 {
	energy := CalculateRMS(Samples(frame))

	switch {
	case energy <= s.SilenceFloor:
		return 0.0
	case energy >= s.SpeechCeiling:
		return 1.0
	default:
		return (energy - s.SilenceFloor) / (s.SpeechCeiling - s.SilenceFloor)
	}
}

// VADConfig holds tuning for voice activity detection.
type VADConfig struct {
	Threshold     float64 // confidence above which a frame counts as speech
	SpeechFrames  int     // consecutive speech frames before speaking starts
	SilenceFrames int     // consecutive silence frames before speaking ends
}

// DefaultVADConfig matches 250ms of speech and 700ms of silence at 20ms
// frames. Durations that do not divide evenly round up, so a partial frame
// of margin counts toward the edge rather than against it.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		Threshold:     0.5,
		SpeechFrames:  FramesForDuration(250),
		SilenceFrames: FramesForDuration(700),
	}
}

// FramesForDuration converts a millisecond duration to a frame count,
// rounding up.
func FramesForDuration(ms int) int {
	return (ms + FrameDurationMs - 1) / FrameDurationMs
}

// Decision is the outcome of evaluating one frame. Started and Ended fire
// only on the rising and falling edges of the speaking state.
type Decision struct {
	Speaking   bool
	Started    bool
	Ended      bool
	Confidence float64
}

// Detector classifies frames as speech or silence with hysteresis so a
// single noisy frame cannot flap the speaking state.
type Detector struct {
	config        *VADConfig
	scorer        Scorer
	speechFrames  int
	silenceFrames int
	isSpeaking    bool
}

// NewDetector creates a Detector. A nil config uses DefaultVADConfig; a nil
// scorer uses the energy fallback with the conventional 16-bit bounds.
func NewDetector(config *VADConfig, scorer Scorer) *Detector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if scorer == nil {
		scorer = &EnergyScorer{SilenceFloor: 500.0, SpeechCeiling: 2000.0}
	}
	return &Detector{config: config, scorer: scorer}
}

// Process evaluates one frame and updates the speaking state.
func (d *Detector) Process(frame []byte) Decision {
	return d.Observe(d.scorer.Score(frame))
}

// Observe applies the hysteresis rule to a precomputed confidence.
func (d *Detector) Observe(confidence float64) Decision {
	decision := Decision{Confidence: confidence}

	if confidence > d.config.Threshold {
		d.speechFrames++
		d.silenceFrames = 0

		if d.speechFrames >= d.config.SpeechFrames && !d.isSpeaking {
			d.isSpeaking = true
			decision.Started = true
		}
	} else {
		d.silenceFrames++
		d.speechFrames = 0

		if d.silenceFrames >= d.config.SilenceFrames && d.isSpeaking {
			d.isSpeaking = false
			decision.Ended = true
		}
	}

	decision.Speaking = d.isSpeaking
	return decision
}

// IsSpeaking returns the current speaking state.
func (d *Detector) IsSpeaking() bool {
	return d.isSpeaking
}

// Reset clears counters and the speaking state.
func (d *Detector) Reset() {
	d.speechFrames = 0
	d.silenceFrames = 0
	d.isSpeaking = false
}
