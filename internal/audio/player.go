// Package audio plays the phone locator alert through the default output
// device using malgo.
package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// Sound is interleaved float32 PCM in [-1, 1].
type Sound struct {
	Samples    []float32
	SampleRate uint32
	Channels   uint32
}

// Player loops a Sound until stopped.
type Player struct {
	ctx     *malgo.AllocatedContext
	sound   Sound
	maxGain float32

	mu      sync.Mutex
	device  *malgo.Device
	gain    float32
	pos     int
	playing bool
}

// NewPlayer creates a player for sound. maxVolume in (0, 1] is the gain
// applied by SetMaxVolume. Call Close() when done.
func NewPlayer(sound Sound, maxVolume float64) (*Player, error) {
	if len(sound.Samples) == 0 || sound.SampleRate == 0 || sound.Channels == 0 {
		return nil, fmt.Errorf("audio: empty sound")
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	gain := float32(maxVolume)
	return &Player{
		ctx:     ctx,
		sound:   sound,
		maxGain: gain,
		gain:    gain / 2,
	}, nil
}

// SetMaxVolume raises playback to the configured maximum.
func (p *Player) SetMaxVolume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = p.maxGain
	return nil
}

// Play starts looping the sound from the beginning. It is a no-op while
// already playing.
func (p *Player) Play() error {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return nil
	}
	p.pos = 0
	p.playing = true
	p.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatF32
	deviceCfg.Playback.Channels = p.sound.Channels
	deviceCfg.SampleRate = p.sound.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: p.onSend,
	}

	device, err := malgo.InitDevice(p.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		return fmt.Errorf("initializing playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		return fmt.Errorf("starting playback device: %w", err)
	}

	p.mu.Lock()
	p.device = device
	p.mu.Unlock()

	slog.Debug("[AUDIO] playback started", "sample_rate", p.sound.SampleRate, "channels", p.sound.Channels)
	return nil
}

// Stop ends playback. It is a no-op when not playing.
func (p *Player) Stop() error {
	p.mu.Lock()
	device := p.device
	p.device = nil
	p.playing = false
	p.mu.Unlock()

	// Uninit waits for the data callback, which takes p.mu.
	if device != nil {
		device.Uninit()
	}
	return nil
}

// Close releases all audio resources.
func (p *Player) Close() error {
	_ = p.Stop()
	if p.ctx != nil {
		if err := p.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		p.ctx.Free()
		p.ctx = nil
	}
	return nil
}

// onSend is the malgo callback that fills the output buffer.
func (p *Player) onSend(pOutput, _ []byte, frameCount uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = fill(pOutput, p.sound.Samples, p.pos, frameCount*p.sound.Channels, p.gain)
}

// fill writes count little-endian float32 samples to out, looping over
// samples from pos and scaling by gain. It returns the next position.
func fill(out []byte, samples []float32, pos int, count uint32, gain float32) int {
	for i := uint32(0); i < count; i++ {
		offset := i * 4
		if offset+4 > uint32(len(out)) {
			break
		}
		v := samples[pos] * gain
		binary.LittleEndian.PutUint32(out[offset:offset+4], math.Float32bits(v))
		pos++
		if pos == len(samples) {
			pos = 0
		}
	}
	return pos
}
