package transport

// Wire format: JSON messages over one persistent websocket. Audio payloads
// are PCM16 little-endian mono; encoding/json carries []byte as base64,
// which is the wire encoding the backend expects.

type outboundMsg struct {
	Type           string `json:"type"`
	ResumeText     string `json:"resumeText,omitempty"`
	JobDescription string `json:"jobDescription,omitempty"`
	Audio          []byte `json:"audio,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
}

type inboundMsg struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	msgSetContext = "set-context"
	msgAudioChunk = "audio-chunk"

	pcmMimeType = "audio/pcm"
)

// Event kinds surfaced to the session engine.
const (
	EventTranscription = "transcription"       // replace transcript wholesale
	EventDelta         = "transcription-delta" // append fragment
	EventError         = "error"               // user-visible backend error
	EventDisconnected  = "disconnected"        // stream gone, surfaced once
)

type Event struct {
	Type    string
	Text    string
	Message string
}
