// Package broker is the privileged boundary between the untrusted session UI
// and the operating system. It owns media permission state, the
// content-protection flag, capture-source enumeration, and the single
// allow-listed external navigation target. All state here is process-wide and
// guarded by one mutex.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"krack/audio"
	"krack/log"
)

// DefaultCheckoutOrigin is the only external origin the broker will open.
const DefaultCheckoutOrigin = "checkout.stripe.com"

var (
	ErrPolicyViolation = errors.New("blocked external navigation")
	ErrUnknownOp       = errors.New("unknown broker operation")
)

// CaptureSource is one enumerable desktop capture endpoint. Sources are
// re-enumerated on every listing; callers must not cache them across
// sessions.
type CaptureSource struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "screen" or "window"
	Name string `json:"name"`
}

// Surface is the visible window the protection flag applies to.
type Surface interface {
	SetContentProtection(enable bool) error
}

// KeyGuard suppresses print/screenshot/dev-tools key combinations while
// protection is enabled.
type KeyGuard interface {
	Engage() error
	Release()
}

type NopGuard struct{}

func (NopGuard) Engage() error { return nil }
func (NopGuard) Release()      {}

type Config struct {
	Surface Surface
	Guard   KeyGuard
	Opener  func(url string) error
	// Prompt overrides the per-OS permission probe. Tests use it to
	// simulate a denied grant.
	Prompt         func(ctx context.Context) bool
	CheckoutOrigin string
}

type Broker struct {
	mu         sync.Mutex
	protection bool
	surface    Surface
	guard      KeyGuard
	opener     func(url string) error
	prompt     func(ctx context.Context) bool
	checkout   string
	audioCtx   audio.Context

	permChecked bool
	permGranted bool
	permFlight  chan struct{} // non-nil while a prompt is outstanding
}

// New builds a broker with protection enabled, matching the initial state of
// the visible surface.
func New(audioCtx audio.Context, cfg Config) *Broker {
	b := &Broker{
		protection: true,
		audioCtx:   audioCtx,
		surface:    cfg.Surface,
		guard:      cfg.Guard,
		opener:     cfg.Opener,
		prompt:     cfg.Prompt,
		checkout:   cfg.CheckoutOrigin,
	}
	if b.guard == nil {
		b.guard = NopGuard{}
	}
	if b.opener == nil {
		b.opener = openExternal
	}
	if b.prompt == nil {
		b.prompt = promptPermission
	}
	if b.checkout == "" {
		b.checkout = DefaultCheckoutOrigin
	}
	if b.surface != nil {
		b.applyLocked()
	}
	return b
}

// AttachSurface registers the visible surface and immediately applies the
// current protection flag, so windows created after a toggle still honor it.
func (b *Broker) AttachSurface(s Surface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.surface = s
	b.applyLocked()
}

func (b *Broker) applyLocked() {
	if b.surface != nil {
		if err := b.surface.SetContentProtection(b.protection); err != nil {
			log.Warnf("content protection apply failed: %v", err)
		}
	}
	if b.protection {
		if err := b.guard.Engage(); err != nil {
			log.Warnf("key guard engage failed: %v", err)
		}
	} else {
		b.guard.Release()
	}
}

// SetContentProtection toggles capture exclusion on the visible surface and
// returns the new state. Idempotent.
func (b *Broker) SetContentProtection(enable bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.protection = enable
	b.applyLocked()
	log.Infof("content_protection: %v", enable)
	return b.protection
}

func (b *Broker) ProtectionEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protection
}

// RequestAudioPermission checks the OS media grant and prompts if needed.
// Idempotent: the first grant is remembered, and concurrent callers share a
// single prompt. Returns false on any failure.
func (b *Broker) RequestAudioPermission(ctx context.Context) bool {
	b.mu.Lock()
	if b.permChecked {
		granted := b.permGranted
		b.mu.Unlock()
		return granted
	}
	if b.permFlight != nil {
		wait := b.permFlight
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
		b.mu.Lock()
		granted := b.permChecked && b.permGranted
		b.mu.Unlock()
		return granted
	}
	flight := make(chan struct{})
	b.permFlight = flight
	b.mu.Unlock()

	granted := b.prompt(ctx)

	b.mu.Lock()
	b.permChecked = true
	b.permGranted = granted
	b.permFlight = nil
	b.mu.Unlock()
	close(flight)

	log.Infof("audio_permission: granted=%v", granted)
	return granted
}

// ListCaptureSources enumerates desktop loopback endpoints. An empty slice is
// a valid outcome, never an error: callers treat it as "no source available".
func (b *Broker) ListCaptureSources() []CaptureSource {
	devices, err := b.audioCtx.Devices()
	if err != nil {
		log.Warnf("capture source enumeration failed: %v", err)
		return nil
	}
	var sources []CaptureSource
	for _, d := range devices {
		if audio.IsLoopback(d.Name) {
			sources = append(sources, CaptureSource{ID: d.ID, Kind: "screen", Name: d.Name})
		}
	}
	return sources
}

// OpenTrustedExternalLink opens raw in the system browser only when its
// origin is exactly the allow-listed checkout domain over https on the
// default port. A port variant is a different origin and is rejected.
// Everything else fails with ErrPolicyViolation and is never opened. The
// check lives here, not in the requesting layer, because the requesting
// layer is untrusted.
func (b *Broker) OpenTrustedExternalLink(raw string) (bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		log.Warnf("open_external rejected (unparseable): %q", raw)
		return false, fmt.Errorf("%w: %q", ErrPolicyViolation, raw)
	}
	if u.Scheme != "https" || u.Port() != "" || !strings.EqualFold(u.Hostname(), b.checkout) {
		log.Warnf("open_external rejected: %q", raw)
		return false, fmt.Errorf("%w: %q", ErrPolicyViolation, raw)
	}
	if err := b.opener(u.String()); err != nil {
		return false, err
	}
	log.Infof("open_external: %s", u.Hostname())
	return true, nil
}
