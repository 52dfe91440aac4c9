package audio

import (
	"fmt"
	"math"
)

// Telephony audio geometry. Twilio Media Streams carry mono 8kHz audio in
// 20ms frames: 160 samples, 160 μ-law bytes on the wire, 320 bytes as PCM16.
const (
	SampleRate      = 8000
	FrameDurationMs = 20
	SamplesPerFrame = SampleRate * FrameDurationMs / 1000
	BytesPerSample  = 2
	FrameSizeBytes  = SamplesPerFrame * BytesPerSample
	MuLawFrameBytes = SamplesPerFrame
)

// FormatError reports a malformed audio payload. Callers drop the offending
// frame and keep the stream alive; it must never abort a call.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio format error: %s", e.Reason)
}

// DecodeMuLaw converts G.711 PCMU (μ-law) to 16-bit linear PCM,
// little-endian. Stateless and safe for concurrent use.
func DecodeMuLaw(mulawData []byte) ([]byte, error) {
	if len(mulawData) == 0 {
		return nil, &FormatError{Reason: "empty mu-law payload"}
	}

	pcmData := make([]byte, len(mulawData)*2)
	for i, b := range mulawData {
		sample := mulawToLinear(b)
		pcmData[i*2] = byte(sample)
		pcmData[i*2+1] = byte(sample >> 8)
	}
	return pcmData, nil
}

// EncodeMuLaw converts 16-bit little-endian linear PCM to G.711 PCMU.
func EncodeMuLaw(pcmData []byte) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, &FormatError{Reason: "empty PCM payload"}
	}
	if len(pcmData)%2 != 0 {
		return nil, &FormatError{Reason: "odd-length PCM payload"}
	}

	mulawData := make([]byte, len(pcmData)/2)
	for i := range mulawData {
		sample := int16(pcmData[i*2]) | int16(pcmData[i*2+1])<<8
		mulawData[i] = linearToMulaw(sample)
	}
	return mulawData, nil
}

// linearToMulaw encodes one sample per ITU-T G.711.
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample)
	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}

	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	var segment byte
	switch {
	case magnitude >= 0x1000:
		segment = 7
	case magnitude >= 0x800:
		segment = 6
	case magnitude >= 0x400:
		segment = 5
	case magnitude >= 0x200:
		segment = 4
	case magnitude >= 0x100:
		segment = 3
	case magnitude >= 0x80:
		segment = 2
	case magnitude >= 0x40:
		segment = 1
	default:
		segment = 0
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// Samples reinterprets little-endian PCM16 bytes as int16 samples.
func Samples(pcmData []byte) []int16 {
	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(pcmData[i*2]) | int16(pcmData[i*2+1])<<8
	}
	return samples
}

// CalculateRMS returns the root mean square amplitude of PCM16 samples.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ApplyNoiseGate zeroes samples whose normalized magnitude falls below the
// threshold (0..1 of full scale). Returns a new buffer.
func ApplyNoiseGate(pcmData []byte, threshold float64) []byte {
	gate := int16(threshold * 32768.0)
	out := make([]byte, len(pcmData))
	copy(out, pcmData)

	for i := 0; i+1 < len(out); i += 2 {
		sample := int16(out[i]) | int16(out[i+1])<<8
		abs := sample
		if abs < 0 {
			abs = -abs
		}
		if abs < gate {
			out[i] = 0
			out[i+1] = 0
		}
	}
	return out
}
