package audio

import (
	"errors"
	"sync"
	"time"
)

const fakeBlockSize = 1024

var errFakeStart = errors.New("fake capture start failure")

// FakeContext is an in-memory Context for tests and headless mode. Devices
// and per-device failures are scripted; captures replay the configured
// samples and then emit silence until stopped.
type FakeContext struct {
	Devs     []DeviceInfo
	Samples  []float32
	Realtime bool

	// FailStart lists device names whose capture Start fails. The empty
	// string key applies to the default (nil) device.
	FailStart map[string]bool

	DevicesErr error
}

func NewFakeContext(samples []float32, realtime bool) *FakeContext {
	return &FakeContext{Samples: samples, Realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	if f.DevicesErr != nil {
		return nil, f.DevicesErr
	}
	return f.Devs, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	name := ""
	display := "fake default"
	if device != nil {
		name = device.Name
		display = device.Name
	}
	return &FakeCapture{
		name:     display,
		samples:  f.Samples,
		realtime: f.Realtime,
		failing:  f.FailStart[name],
	}, nil
}

type FakeCapture struct {
	name     string
	samples  []float32
	realtime bool
	failing  bool

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	started  bool
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return f.name }

func (f *FakeCapture) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Emit pushes one block through the data callback, bypassing the feed
// goroutine. Tests use it for deterministic ordering.
func (f *FakeCapture) Emit(samples []float32) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func (f *FakeCapture) Start() error {
	if f.failing {
		return errFakeStart
	}
	f.mu.Lock()
	f.started = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stop, done := f.stopCh, f.feedDone
	f.mu.Unlock()

	if f.samples == nil {
		close(done)
		return nil
	}

	interval := time.Duration(0)
	if f.realtime {
		interval = time.Duration(fakeBlockSize) * time.Second / time.Duration(SampleRate)
	}

	go func() {
		defer close(done)
		pos := 0
		silence := make([]float32, fakeBlockSize)
		for {
			select {
			case <-stop:
				return
			default:
			}

			if pos < len(f.samples) {
				end := min(pos+fakeBlockSize, len(f.samples))
				block := make([]float32, end-pos)
				copy(block, f.samples[pos:end])
				f.Emit(block)
				pos = end
			} else {
				f.Emit(silence)
			}

			select {
			case <-stop:
				return
			case <-time.After(max(interval, time.Millisecond)):
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stop, done := f.stopCh, f.feedDone
	f.started = false
	f.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

func (f *FakeCapture) Close() {
	f.Stop()
}
