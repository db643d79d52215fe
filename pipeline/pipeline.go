// Package pipeline acquires a live audio stream and turns it into fixed-size
// PCM16 frames for the transport session. Source priority: desktop loopback
// (when the broker reports a source and permission is granted), then the
// default microphone with echo cancellation and noise suppression.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"krack/audio"
	"krack/broker"
	"krack/log"
)

var (
	ErrPermissionDenied = errors.New("audio permission denied")
	ErrNoCaptureSource  = errors.New("no capture source available")
	ErrNoAudioTrack     = errors.New("no audio track in captured stream")
)

// FrameSink receives FrameBytes-sized PCM16 frames in capture order. The
// callee must not retain the slice past the call.
type FrameSink func(pcm []byte)

type Pipeline struct {
	broker   *broker.Broker
	audioCtx audio.Context
	sink     FrameSink

	mu        sync.Mutex
	capture   audio.CaptureDevice
	capturing bool
	loopback  bool

	frameMu sync.Mutex
	carry   []byte
}

func New(b *broker.Broker, audioCtx audio.Context, sink FrameSink) *Pipeline {
	return &Pipeline{broker: b, audioCtx: audioCtx, sink: sink}
}

// Start selects a source and begins capture. Re-entrant: a Start while
// already capturing is a no-op. Any acquisition failure unwinds fully; no
// half-initialized capture graph survives an error return.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capturing {
		return nil
	}

	sources := p.broker.ListCaptureSources()
	granted := false
	if len(sources) > 0 {
		granted = p.broker.RequestAudioPermission(ctx)
	}

	cfg := audio.CaptureConfig{SampleRate: audio.SampleRate, Channels: audio.Channels}

	var capture audio.CaptureDevice
	loopback := false
	if len(sources) > 0 && granted {
		dev := &audio.DeviceInfo{ID: sources[0].ID, Name: sources[0].Name}
		// One retry against the same source before giving up on loopback:
		// some backends drop the first open after a permission grant.
		for attempt := 0; attempt < 2 && capture == nil; attempt++ {
			capture = p.tryOpen(dev, cfg)
		}
		loopback = capture != nil
	}

	if capture == nil {
		micCfg := cfg
		micCfg.EchoCancel = true
		micCfg.NoiseSuppress = true
		capture = p.tryOpen(nil, micCfg)
	}

	if capture == nil {
		switch {
		case len(sources) == 0:
			return ErrNoCaptureSource
		case !granted:
			return ErrPermissionDenied
		default:
			return ErrNoAudioTrack
		}
	}

	p.frameMu.Lock()
	p.carry = nil
	p.frameMu.Unlock()

	p.capture = capture
	p.capturing = true
	p.loopback = loopback
	log.Infof("capture_start: device=%s loopback=%v", capture.DeviceName(), loopback)
	return nil
}

// tryOpen opens and starts a capture device, unwinding completely on any
// failure.
func (p *Pipeline) tryOpen(dev *audio.DeviceInfo, cfg audio.CaptureConfig) audio.CaptureDevice {
	capture, err := p.audioCtx.NewCapture(dev, cfg)
	if err != nil {
		log.Warnf("capture open failed: %v", err)
		return nil
	}
	capture.SetCallback(p.onBlock)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		log.Warnf("capture start failed: %v", err)
		return nil
	}
	return capture
}

// onBlock runs on the audio thread. Frames are carved and forwarded under
// frameMu so downstream order always matches capture order.
func (p *Pipeline) onBlock(samples []float32) {
	p.mu.Lock()
	active := p.capturing
	sink := p.sink
	p.mu.Unlock()
	if !active || sink == nil {
		return
	}

	pcm := EncodePCM16(samples)

	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	p.carry = append(p.carry, pcm...)
	for len(p.carry) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, p.carry[:FrameBytes])
		p.carry = p.carry[FrameBytes:]
		sink(frame)
	}
}

// Stop disconnects the sampler and releases the capture handle. Safe to call
// multiple times and whether or not Start succeeded.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	capture := p.capture
	p.capture = nil
	p.capturing = false
	p.mu.Unlock()

	if capture != nil {
		capture.ClearCallback()
		capture.Stop()
		capture.Close()
		log.Info("capture_stop")
	}

	p.frameMu.Lock()
	p.carry = nil
	p.frameMu.Unlock()
}

// Capturing reports whether a capture device is currently running.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

// Loopback reports whether the active capture is a desktop loopback source.
func (p *Pipeline) Loopback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loopback
}

// Describe names the active device for diagnostics.
func (p *Pipeline) Describe() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capture == nil {
		return "idle"
	}
	return fmt.Sprintf("%s (loopback=%v)", p.capture.DeviceName(), p.loopback)
}
