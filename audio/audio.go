package audio

import "strings"

// SampleRate is the canonical capture rate for the transcription backend.
const (
	SampleRate = 24000
	Channels   = 1
)

var loopbackKeywords = []string{
	"monitor", "loopback", "stereo mix", "what u hear", "wave out",
	"desktop audio", "system audio",
}

// IsLoopback reports whether a capture device name looks like a desktop
// loopback endpoint rather than a physical microphone.
func IsLoopback(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range loopbackKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives one block of float32 mono samples in [-1, 1].
type DataCallback func(samples []float32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	// EchoCancel and NoiseSuppress are applied on microphone fallback where
	// the platform exposes a processed source; backends without one ignore
	// them.
	EchoCancel    bool
	NoiseSuppress bool
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}
