package main

import (
	"fmt"
	"os"

	"krack/broker"
	"krack/log"
)

// uiNotifier carries engine alerts to the attached surface: the TUI when one
// is running, stderr otherwise. Budget exhaustion routes through the broker's
// allow-listed opener; nothing here opens arbitrary URLs.
type uiNotifier struct {
	brk        *broker.Broker
	billingURL string
}

func (n *uiNotifier) Alert(message string) {
	log.Warnf("alert: %s", message)
	if !sendTUI(AlertMsg{Text: message}) {
		fmt.Fprintln(os.Stderr, "! "+message)
	}
}

func (n *uiNotifier) OpenBilling(reason string) {
	if _, err := n.brk.OpenTrustedExternalLink(n.billingURL); err != nil {
		log.Errorf("billing redirect blocked: %v", err)
	}
}

// termSurface stands in for a protected window. A terminal cannot be excluded
// from screen capture, so the protection flag rides entirely on the key
// guard.
type termSurface struct{}

func (termSurface) SetContentProtection(bool) error { return nil }
