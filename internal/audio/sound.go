package audio

import (
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// LoadWAV decodes a PCM WAV file.
func LoadWAV(path string) (Sound, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sound{}, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Sound{}, fmt.Errorf("audio: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Sound{}, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	if len(buf.Data) == 0 || buf.Format == nil {
		return Sound{}, fmt.Errorf("audio: %s has no samples", path)
	}

	return Sound{
		Samples:    pcmToFloat32(buf),
		SampleRate: uint32(buf.Format.SampleRate),
		Channels:   uint32(buf.Format.NumChannels),
	}, nil
}

// pcmToFloat32 normalizes integer PCM to [-1.0, 1.0].
func pcmToFloat32(buf *goaudio.IntBuffer) []float32 {
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))

	samples := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = float32(s) / scale
	}
	return samples
}

// Tone generates a mono alarm pattern: a beep at freq for half of each
// period followed by silence, repeated to fill length.
func Tone(sampleRate uint32, freq float64, period, length time.Duration) Sound {
	total := int(float64(sampleRate) * length.Seconds())
	on := int(float64(sampleRate) * period.Seconds() / 2)
	cycle := 2 * on

	samples := make([]float32, total)
	for i := range samples {
		if cycle > 0 && i%cycle >= on {
			continue
		}
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(0.8 * math.Sin(2*math.Pi*freq*t))
	}
	return Sound{Samples: samples, SampleRate: sampleRate, Channels: 1}
}

// DefaultTone is the built-in locator sound.
func DefaultTone() Sound {
	return Tone(44100, 880, 500*time.Millisecond, 2*time.Second)
}
