//go:build !linux

package broker

import (
	"sync"

	"golang.design/x/hotkey"

	"krack/log"
)

// hotkeyGuard grabs the print / dev-tools / screenshot combinations
// system-wide (X11/Cocoa/Win32) so they never reach another handler while
// protection is on.
type hotkeyGuard struct {
	mu      sync.Mutex
	keys    []*hotkey.Hotkey
	stop    chan struct{}
	engaged bool
}

func NewKeyGuard() KeyGuard {
	return &hotkeyGuard{}
}

func guardedCombos() []*hotkey.Hotkey {
	return []*hotkey.Hotkey{
		hotkey.New([]hotkey.Modifier{hotkey.ModCtrl}, hotkey.KeyP),
		hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeyI),
		hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeyS),
	}
}

func (g *hotkeyGuard) Engage() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engaged {
		return nil
	}

	keys := guardedCombos()
	for i, hk := range keys {
		if err := hk.Register(); err != nil {
			for _, r := range keys[:i] {
				r.Unregister()
			}
			return err
		}
	}

	g.keys = keys
	g.stop = make(chan struct{})
	g.engaged = true

	for _, hk := range keys {
		go func(hk *hotkey.Hotkey) {
			for {
				select {
				case <-g.stop:
					return
				case <-hk.Keydown():
					log.Info("protected_key_suppressed")
				}
			}
		}(hk)
	}
	return nil
}

func (g *hotkeyGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged {
		return
	}
	close(g.stop)
	for _, hk := range g.keys {
		hk.Unregister()
	}
	g.keys = nil
	g.engaged = false
}
