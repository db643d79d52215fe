// Package doctor runs system diagnostics for the session engine: audio
// capture, desktop loopback availability, log directory, backend
// reachability, and the clipboard.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"krack/audio"
	"krack/backend"
	"krack/clipboard"
	"krack/log"
)

// Run executes the diagnostic checks and returns an exit code (0=all pass,
// 1=any fail).
func Run(backendURL, token string) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("krack doctor - system diagnostics")
	fmt.Println("=================================")

	allPass := true
	ctx, err := checkAudio()
	if err != nil {
		allPass = false
	} else {
		defer ctx.Close()
		if !checkCapture(ctx) {
			allPass = false
		}
	}
	if !checkLogDir() {
		allPass = false
	}
	if !checkBackend(backendURL, token) {
		allPass = false
	}
	if !checkClipboard() {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkAudio() (audio.Context, error) {
	fmt.Println()
	fmt.Println("[1/5] Audio system")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return nil, err
	}

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		ctx.Close()
		return nil, err
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		ctx.Close()
		return nil, errors.New("no capture devices")
	}

	loopbacks := 0
	for _, d := range devices {
		tag := ""
		if audio.IsLoopback(d.Name) {
			tag = " [desktop audio]"
			loopbacks++
		}
		fmt.Printf("  - %s%s\n", d.Name, tag)
	}
	if loopbacks == 0 {
		fmt.Println("  WARN: no desktop loopback source; interviews will use the microphone")
	}
	fmt.Printf("  PASS: %d capture device(s), %d loopback\n", len(devices), loopbacks)
	return ctx, nil
}

func checkCapture(ctx audio.Context) bool {
	fmt.Println()
	fmt.Println("[2/5] Capture probe (2s on default input)")

	var blocks atomic.Int64
	capture, err := ctx.NewCapture(nil, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		fmt.Printf("  FAIL: cannot open capture: %v\n", err)
		return false
	}
	defer capture.Close()

	capture.SetCallback(func(samples []float32) {
		blocks.Add(1)
	})
	if err := capture.Start(); err != nil {
		fmt.Printf("  FAIL: cannot start capture: %v\n", err)
		return false
	}
	time.Sleep(2 * time.Second)
	capture.Stop()

	if blocks.Load() == 0 {
		fmt.Println("  FAIL: no audio callbacks received")
		return false
	}
	fmt.Printf("  PASS: %d blocks received\n", blocks.Load())
	return true
}

func checkLogDir() bool {
	fmt.Println()
	fmt.Println("[3/5] Log directory")

	dir, err := log.ResolveDir("")
	if err != nil {
		fmt.Printf("  FAIL: cannot resolve log directory: %v\n", err)
		return false
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("  FAIL: cannot create %s: %v\n", dir, err)
		return false
	}
	probe := filepath.Join(dir, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		fmt.Printf("  FAIL: %s not writable: %v\n", dir, err)
		return false
	}
	os.Remove(probe)
	fmt.Printf("  PASS: %s writable\n", dir)
	return true
}

func checkBackend(backendURL, token string) bool {
	fmt.Println()
	fmt.Println("[4/5] Backend reachability")

	if token == "" {
		fmt.Println("  SKIP: no token configured (set KRACK_TOKEN)")
		return true
	}

	client := backend.NewClient(backendURL, token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Heartbeat(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrBudgetExhausted) {
			fmt.Println("  WARN: backend reachable but no interview credits remain")
			return true
		}
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Printf("  PASS: %.1f minutes remaining\n", resp.RemainingMinutes)
	return true
}

func checkClipboard() bool {
	fmt.Println()
	fmt.Println("[5/5] Clipboard")

	testStr := fmt.Sprintf("krack-doctor-%d", time.Now().UnixNano())

	type cbResult struct {
		readback string
		err      error
		phase    string
	}
	ch := make(chan cbResult, 1)
	go func() {
		if err := clipboard.Copy(testStr); err != nil {
			ch <- cbResult{err: err, phase: "write"}
			return
		}
		got, err := clipboard.Read()
		if err != nil {
			ch <- cbResult{err: err, phase: "read"}
			return
		}
		ch <- cbResult{readback: got}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			fmt.Printf("  FAIL: clipboard %s failed: %v\n", res.phase, res.err)
			return false
		}
		if res.readback != testStr {
			fmt.Printf("  FAIL: clipboard mismatch: wrote %q, got %q\n", testStr, res.readback)
			return false
		}
		fmt.Println("  PASS: clipboard write/read verified")
		return true
	case <-time.After(3 * time.Second):
		fmt.Println("  FAIL: clipboard timed out (clipboard tool hung?)")
		return false
	}
}
