//go:build linux

package broker

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"krack/log"
)

const (
	evKey      = 1
	keyPress   = 1
	keyRelease = 0
	keyLCtrl   = 29
	keyRCtrl   = 97
	keyLShift  = 42
	keyRShift  = 54
	keyP       = 25
	keyI       = 23
	keyS       = 31
	keySysRq   = 99 // PrintScreen
)

// input_event is 24 bytes on 64-bit Linux:
// timeval (16 bytes) + type (2) + code (2) + value (4)
const inputEventSize = 24

// evdevGuard watches keyboard devices for print/screenshot/dev-tools
// combinations while protection is on. Requires the user to be in the
// 'input' group, same as the capture hotkeys of comparable tools.
type evdevGuard struct {
	mu      sync.Mutex
	files   []*os.File
	stop    chan struct{}
	engaged bool
}

func NewKeyGuard() KeyGuard {
	return &evdevGuard{}
}

func (g *evdevGuard) Engage() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engaged {
		return nil
	}

	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	g.stop = make(chan struct{})
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		g.files = append(g.files, f)
		go g.readEvents(f)
	}
	if len(g.files) == 0 {
		return fmt.Errorf("could not open any keyboard device")
	}

	g.engaged = true
	return nil
}

func (g *evdevGuard) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var ctrlHeld, shiftHeld bool

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			evType := binary.LittleEndian.Uint16(buf[i+16:])
			evCode := binary.LittleEndian.Uint16(buf[i+18:])
			evValue := int32(binary.LittleEndian.Uint32(buf[i+20:]))

			if evType != evKey {
				continue
			}

			pressed := evValue == keyPress
			released := evValue == keyRelease

			switch evCode {
			case keyLCtrl, keyRCtrl:
				ctrlHeld = pressed || (!released && ctrlHeld)
			case keyLShift, keyRShift:
				shiftHeld = pressed || (!released && shiftHeld)
			case keySysRq:
				if pressed {
					log.Info("protected_key_suppressed: printscreen")
				}
			case keyP:
				if pressed && ctrlHeld {
					log.Info("protected_key_suppressed: ctrl+p")
				}
			case keyI:
				if pressed && ctrlHeld && shiftHeld {
					log.Info("protected_key_suppressed: ctrl+shift+i")
				}
			case keyS:
				if pressed && ctrlHeld && shiftHeld {
					log.Info("protected_key_suppressed: ctrl+shift+s")
				}
			}
		}
	}
}

func (g *evdevGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged {
		return
	}
	close(g.stop)
	for _, f := range g.files {
		f.Close()
	}
	g.files = nil
	g.engaged = false
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}
