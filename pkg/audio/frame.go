package audio

import (
	"encoding/binary"
	"time"
)

const (
	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate = 16000
	// OutputSampleRate is the model audio rate in Hz.
	OutputSampleRate = 24000

	// InputMIMEType tags outbound media payloads as 16 kHz mono PCM.
	InputMIMEType = "audio/pcm;rate=16000"
)

// MediaPayload is one encoded audio frame ready for the live transport.
type MediaPayload struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Chunk is one unit of decoded model audio, scheduled as a single playback
// unit.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the chunk's playback duration.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// EncodePCM converts float samples in [-1, 1] to 16-bit signed little-endian
// PCM. Samples are scaled by 32768 with no clamping: out-of-range values wrap
// per two's complement, matching the raw multiplication on the wire.
func EncodePCM(samples []float32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * 32768))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

// DecodePCM is the inverse of EncodePCM.
func DecodePCM(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return samples
}

// ToWireFrame builds the outbound media payload for one captured frame.
func ToWireFrame(samples []float32) MediaPayload {
	return MediaPayload{
		Data:     EncodeWire(EncodePCM(samples)),
		MIMEType: InputMIMEType,
	}
}

// DecodeChunk converts received wire text into a playable chunk at the
// declared sample rate. Malformed text yields a *FormatError.
func DecodeChunk(data string, sampleRate int) (Chunk, error) {
	pcm, err := DecodeWire(data)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Samples: DecodePCM(pcm), SampleRate: sampleRate}, nil
}

// MeanAbsAmplitude returns the mean absolute amplitude of a float frame.
// Drives the advisory listening indicator.
func MeanAbsAmplitude(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(samples))
}
