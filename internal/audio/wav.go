// Package audio converts between WAV payloads and the mono float32 sample
// format the inference engines consume.
package audio

import (
	"bytes"
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is decoded audio ready for inference.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// UnsupportedRateError reports a clip whose sample rate the engine contract
// does not accept.
type UnsupportedRateError struct {
	Got  int
	Want int
}

func (e *UnsupportedRateError) Error() string {
	return fmt.Sprintf("unsupported sample rate %d Hz, engine expects %d Hz", e.Got, e.Want)
}

// DurationMS reports the clip length in milliseconds.
func (c Clip) DurationMS() int64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return int64(len(c.Samples)) * 1000 / int64(c.SampleRate)
}

// DecodeWAV parses a RIFF/WAV payload into normalized mono float32 samples.
// Multi-channel input is mixed down by channel averaging.
func DecodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("payload is not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return Clip{}, fmt.Errorf("wav payload missing format chunk")
	}

	channels := buf.Format.NumChannels
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		samples[i] = sum / float32(channels)
	}

	return Clip{Samples: samples, SampleRate: buf.Format.SampleRate}, nil
}

// WriteWAV encodes mono float32 samples as 16-bit PCM into file. Used by the
// exec engine, which hands audio to an external binary as a wav path.
func WriteWAV(file *os.File, samples []float32, sampleRate int) error {
	buf := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767)
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
