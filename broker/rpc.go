package broker

import "context"

// The UI layer talks to the broker through an enumerated request set only.
// Anything outside this set is rejected; there is no generic navigation or
// file-system surface.
const (
	OpToggleProtection = "toggle-protection"
	OpRequestAudioPerm = "request-audio-permission"
	OpGetAudioSources  = "get-audio-sources"
	OpOpenExternal     = "open-external"
)

type Request struct {
	Op     string `json:"op"`
	Enable bool   `json:"enable,omitempty"`
	URL    string `json:"url,omitempty"`
}

type Response struct {
	Protection bool            `json:"protection,omitempty"`
	Granted    bool            `json:"granted,omitempty"`
	Opened     bool            `json:"opened,omitempty"`
	Sources    []CaptureSource `json:"sources,omitempty"`
}

func (b *Broker) Handle(ctx context.Context, req Request) (Response, error) {
	switch req.Op {
	case OpToggleProtection:
		return Response{Protection: b.SetContentProtection(req.Enable)}, nil
	case OpRequestAudioPerm:
		return Response{Granted: b.RequestAudioPermission(ctx)}, nil
	case OpGetAudioSources:
		return Response{Sources: b.ListCaptureSources()}, nil
	case OpOpenExternal:
		opened, err := b.OpenTrustedExternalLink(req.URL)
		if err != nil {
			return Response{}, err
		}
		return Response{Opened: opened}, nil
	default:
		return Response{}, ErrUnknownOp
	}
}
