package audio

import (
	"testing"
)

func TestIsLoopback(t *testing.T) {
	for _, tt := range []struct {
		name string
		want bool
	}{
		{"Monitor of Built-in Audio Analog Stereo", true},
		{"alsa_output.pci-0000_00_1f.3.analog-stereo.monitor", true},
		{"Stereo Mix (Realtek Audio)", true},
		{"Loopback (VB-Audio)", true},
		{"Built-in Microphone", false},
		{"USB Condenser Mic", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLoopback(tt.name); got != tt.want {
				t.Errorf("IsLoopback(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestFakeCaptureEmitOrder(t *testing.T) {
	ctx := NewFakeContext(nil, false)
	cap, err := ctx.NewCapture(nil, CaptureConfig{SampleRate: SampleRate, Channels: Channels})
	if err != nil {
		t.Fatal(err)
	}

	var got []float32
	cap.SetCallback(func(samples []float32) {
		got = append(got, samples...)
	})
	if err := cap.Start(); err != nil {
		t.Fatal(err)
	}

	fc := cap.(*FakeCapture)
	fc.Emit([]float32{0.1, 0.2})
	fc.Emit([]float32{0.3})

	want := []float32{0.1, 0.2, 0.3}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	cap.Stop()
	cap.Stop() // idempotent
}

func TestFakeCaptureStartFailure(t *testing.T) {
	ctx := NewFakeContext(nil, false)
	ctx.Devs = []DeviceInfo{{ID: "mon0", Name: "Monitor of Speakers"}}
	ctx.FailStart = map[string]bool{"Monitor of Speakers": true}

	cap, err := ctx.NewCapture(&ctx.Devs[0], CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := cap.Start(); err == nil {
		t.Fatal("expected start failure")
	}
	cap.Stop() // safe even though Start failed
}

func TestFakeCaptureClearCallback(t *testing.T) {
	ctx := NewFakeContext(nil, false)
	cap, _ := ctx.NewCapture(nil, CaptureConfig{})

	calls := 0
	cap.SetCallback(func([]float32) { calls++ })
	fc := cap.(*FakeCapture)
	if err := cap.Start(); err != nil {
		t.Fatal(err)
	}
	fc.Emit([]float32{0})
	cap.ClearCallback()
	fc.Emit([]float32{0})

	if calls != 1 {
		t.Errorf("callback ran %d times after clear, want 1", calls)
	}
	cap.Stop()
}
