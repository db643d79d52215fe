package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"krack/audio"
	"krack/backend"
	"krack/beep"
	"krack/broker"
	"krack/log"
	"krack/pipeline"
	"krack/session"
	"krack/transport"
)

// captureTap wraps the fake audio context so the stdin driver can push sample
// blocks through the most recently opened capture.
type captureTap struct {
	*audio.FakeContext
	mu   sync.Mutex
	last *audio.FakeCapture
}

func (t *captureTap) NewCapture(dev *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	c, err := t.FakeContext.NewCapture(dev, cfg)
	if err == nil {
		t.mu.Lock()
		t.last = c.(*audio.FakeCapture)
		t.mu.Unlock()
	}
	return c, err
}

func (t *captureTap) capture() *audio.FakeCapture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type stdoutNotifier struct{}

func (stdoutNotifier) Alert(message string) { fmt.Printf("ALERT\t%s\n", message) }

func (stdoutNotifier) OpenBilling(reason string) { fmt.Printf("BILLING\t%s\n", reason) }

// runTestMode drives the whole engine headlessly from stdin against fakes.
// One command per line; results print to stdout so a driver can assert on
// them.
func runTestMode() {
	beep.Disable()

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	fakeCtx := audio.NewFakeContext(nil, false)
	fakeCtx.Devs = []audio.DeviceInfo{{ID: "mon0", Name: "Monitor of Test Output"}}
	tap := &captureTap{FakeContext: fakeCtx}

	brk := broker.New(tap, broker.Config{
		Guard:  broker.NopGuard{},
		Opener: func(url string) error { fmt.Printf("OPEN\t%s\n", url); return nil },
	})

	var eng *session.Engine
	pipe := pipeline.New(brk, tap, func(pcm []byte) { eng.OnFrame(pcm) })

	be := &backend.FakeBackend{
		AnswerOut:    "generated answer",
		HeartbeatOut: backend.HeartbeatResponse{RemainingMinutes: 30},
	}

	var streamMu sync.Mutex
	var stream *session.FakeStream

	eng = session.New(session.Config{
		Capture: pipe,
		Dial: func(ctx context.Context, resumeText, jobDescription string) (session.Stream, error) {
			streamMu.Lock()
			defer streamMu.Unlock()
			stream = session.NewFakeStream()
			return stream, nil
		},
		Backend:     be,
		Notifier:    stdoutNotifier{},
		BackendName: "testenv",
		Clipboard: func(text string) error {
			fmt.Printf("CLIP\t%s\n", text)
			return nil
		},
	})

	currentStream := func() *session.FakeStream {
		streamMu.Lock()
		defer streamMu.Unlock()
		return stream
	}

	report := func(err error) {
		if err != nil {
			fmt.Printf("ERR\t%v\n", err)
			return
		}
		fmt.Println("OK")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "RESUME":
			eng.SetResume(arg)
			fmt.Println("OK")
		case "JOBDESC":
			eng.SetJobDescription(arg)
			fmt.Println("OK")
		case "START":
			report(eng.Start(context.Background()))
		case "DELTA":
			if s := currentStream(); s != nil {
				s.Emit(transport.Event{Type: transport.EventDelta, Text: arg})
			}
		case "FINAL":
			if s := currentStream(); s != nil {
				s.Emit(transport.Event{Type: transport.EventTranscription, Text: arg})
			}
		case "AUDIO":
			blocks := 1
			if n, err := strconv.Atoi(arg); err == nil && n > 0 {
				blocks = n
			}
			if c := tap.capture(); c != nil {
				for i := 0; i < blocks; i++ {
					c.Emit(make([]float32, pipeline.BlockSize))
				}
			}
		case "ANSWER":
			report(eng.AnswerWithAI(context.Background()))
		case "TICK":
			ticks := 1
			if n, err := strconv.Atoi(arg); err == nil && n > 0 {
				ticks = n
			}
			for i := 0; i < ticks; i++ {
				eng.Tick()
			}
		case "HEARTBEAT":
			if arg != "" {
				if m, err := strconv.ParseFloat(arg, 64); err == nil {
					be.HeartbeatOut = backend.HeartbeatResponse{RemainingMinutes: m}
				}
			}
			eng.Heartbeat()
		case "COPY":
			report(eng.CopyAnswer())
		case "END":
			report(eng.End(context.Background()))
		case "STATE":
			snap := eng.Snapshot()
			frames := 0
			if s := currentStream(); s != nil {
				frames = s.SentFrames()
			}
			fmt.Printf("STATE\t%s\telapsed=%d\tquestions=%d\tframes=%d\ttranscript=%q\n",
				snap.State, snap.Elapsed, len(snap.Questions), frames, snap.Transcript)
		case "SLEEP":
			if ms, err := strconv.Atoi(arg); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case "QUIT":
			eng.End(context.Background())
			return
		default:
			fmt.Printf("ERR\tunknown command %q\n", cmd)
		}
	}
}
