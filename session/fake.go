package session

import (
	"context"
	"sync"

	"krack/transport"
)

// Test doubles for the engine's collaborators. Kept outside _test.go so the
// headless test environment can reuse them.

type FakeNotifier struct {
	mu            sync.Mutex
	Alerts        []string
	BillingRoutes []string
}

func (f *FakeNotifier) Alert(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Alerts = append(f.Alerts, message)
}

func (f *FakeNotifier) OpenBilling(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BillingRoutes = append(f.BillingRoutes, reason)
}

func (f *FakeNotifier) AlertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Alerts)
}

func (f *FakeNotifier) Billing() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.BillingRoutes))
	copy(out, f.BillingRoutes)
	return out
}

// FakeCapture satisfies Capture without touching audio hardware.
type FakeCapture struct {
	mu       sync.Mutex
	StartErr error
	Running  bool
	Starts   int
	Stops    int
	Desktop  bool
}

func (f *FakeCapture) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Starts++
	f.Running = true
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Running {
		f.Stops++
	}
	f.Running = false
}

func (f *FakeCapture) Loopback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Desktop
}

func (f *FakeCapture) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Starts
}

// FakeStream satisfies Stream; tests feed inbound events through Emit.
type FakeStream struct {
	mu         sync.Mutex
	events     chan transport.Event
	Sent       [][]byte
	CloseCalls int
	closeOnce  sync.Once
}

func NewFakeStream() *FakeStream {
	return &FakeStream{events: make(chan transport.Event, 64)}
}

func (f *FakeStream) SendFrame(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	f.Sent = append(f.Sent, frame)
	return nil
}

func (f *FakeStream) Events() <-chan transport.Event {
	return f.events
}

func (f *FakeStream) Close() {
	f.mu.Lock()
	f.CloseCalls++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *FakeStream) Emit(ev transport.Event) {
	f.events <- ev
}

func (f *FakeStream) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CloseCalls
}

func (f *FakeStream) SentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
