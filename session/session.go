// Package session is the interview state machine. It serializes the
// concurrent event sources (audio frames, transcript events, the 1 s tick,
// the billing heartbeat, answer requests) behind one mutex and guards every
// asynchronous completion with a session generation counter so late
// completions never touch a torn-down session.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"krack/backend"
	"krack/log"
	"krack/pipeline"
	"krack/transport"
)

var ErrPreconditionNotMet = errors.New("precondition not met")

// ReasonBudgetExhausted is the fixed reason shown when the ledger forces
// termination.
const ReasonBudgetExhausted = "interview time exhausted; add minutes to continue"

// Capture is the audio pipeline surface the engine drives.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Loopback() bool
}

// Stream is one live transport session.
type Stream interface {
	SendFrame(pcm []byte) error
	Events() <-chan transport.Event
	Close()
}

// Dialer opens a stream carrying the session context.
type Dialer func(ctx context.Context, resumeText, jobDescription string) (Stream, error)

// Backend is the out-of-band HTTP collaborator set: answer generation plus
// the credit ledger.
type Backend interface {
	GenerateAnswer(ctx context.Context, req backend.AnswerRequest) (backend.AnswerResponse, error)
	Heartbeat(ctx context.Context) (backend.HeartbeatResponse, error)
	DeductPartial(ctx context.Context, partialMinutes float64) error
	RecordInterview(ctx context.Context, date string, timeTakenSeconds uint64) error
}

// Notifier is the user-facing surface for alerts and billing routing. Never a
// process exit.
type Notifier interface {
	Alert(message string)
	OpenBilling(reason string)
}

type nopNotifier struct{}

func (nopNotifier) Alert(string)       {}
func (nopNotifier) OpenBilling(string) {}

// QAPair is one generated answer. Immutable once appended; ids increase in
// append order.
type QAPair struct {
	ID       int
	Question string
	Answer   string
}

// Snapshot is a consistent copy of the visible session state.
type Snapshot struct {
	State            State
	Elapsed          uint64
	RemainingMinutes float64
	Transcript       string
	Questions        []QAPair
}

type Config struct {
	Capture   Capture
	Dial      Dialer
	Backend   Backend
	Notifier  Notifier
	Clipboard func(text string) error

	BackendName string

	TickInterval      time.Duration // default 1s
	HeartbeatInterval time.Duration // default 60s
	// RestartDelay pauses before capture resumes after an answer, letting the
	// backend settle. Zero means resume immediately.
	RestartDelay time.Duration

	// OnChange receives a snapshot after every visible state change.
	OnChange func(Snapshot)
}

type Engine struct {
	cfg Config

	mu       sync.Mutex
	state    State
	gen      uint64
	starting bool

	resumeText     string
	jobDescription string
	transcript     string
	questions      []QAPair
	nextQAID       int
	elapsed        uint64
	remaining      float64

	stream     Stream
	tickStop   chan struct{}
	hbStop     chan struct{}
	eventsDone chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	return &Engine{cfg: cfg, nextQAID: 1}
}

// SetResume stores the extracted resume text. A non-empty resume arms the
// session; clearing it disarms. Re-setting after a forced termination re-arms.
func (e *Engine) SetResume(text string) {
	e.mu.Lock()
	e.resumeText = text
	switch {
	case text != "" && (e.state == StateIdle || e.state == StateTerminated):
		e.state = StateResumePending
	case text == "" && e.state == StateResumePending:
		e.state = StateIdle
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) SetJobDescription(text string) {
	e.mu.Lock()
	e.jobDescription = text
	e.mu.Unlock()
}

// Start begins an interview: opens the transport session, starts capture,
// then the tick and heartbeat timers. Requires an uploaded resume. A Start
// while already active is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Active() || e.starting {
		e.mu.Unlock()
		return nil
	}
	if e.state == StateTerminated {
		e.mu.Unlock()
		e.cfg.Notifier.Alert("session terminated; upload a resume to start again")
		return fmt.Errorf("%w: session terminated", ErrPreconditionNotMet)
	}
	if e.resumeText == "" {
		e.mu.Unlock()
		e.cfg.Notifier.Alert("upload a resume before starting the interview")
		return fmt.Errorf("%w: resume not uploaded", ErrPreconditionNotMet)
	}
	e.starting = true
	resume, jd := e.resumeText, e.jobDescription
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()

	stream, err := e.cfg.Dial(ctx, resume, jd)
	if err != nil {
		e.cfg.Notifier.Alert("could not reach the transcription service")
		return err
	}
	if err := e.cfg.Capture.Start(ctx); err != nil {
		stream.Close()
		e.cfg.Notifier.Alert(captureAlert(err))
		return err
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.stream = stream
	e.state = StateListening
	e.elapsed = 0
	e.transcript = ""
	e.questions = nil
	e.nextQAID = 1
	tickStop := make(chan struct{})
	hbStop := make(chan struct{})
	eventsDone := make(chan struct{})
	e.tickStop, e.hbStop, e.eventsDone = tickStop, hbStop, eventsDone
	e.mu.Unlock()

	log.SessionStart(e.cfg.BackendName, e.cfg.Capture.Loopback())
	go e.runTicker(tickStop)
	go e.runHeartbeat(hbStop)
	go e.pumpEvents(gen, stream, eventsDone)
	e.notify()
	return nil
}

func captureAlert(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrPermissionDenied):
		return "audio capture permission was denied"
	case errors.Is(err, pipeline.ErrNoCaptureSource):
		return "no audio source available to capture"
	case errors.Is(err, pipeline.ErrNoAudioTrack):
		return "captured stream carries no audio"
	}
	return "audio capture failed"
}

// OnFrame is the pipeline's frame sink. It runs on the audio thread and must
// never block; SendFrame drops rather than stalls when the queue is full.
func (e *Engine) OnFrame(pcm []byte) {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream != nil {
		stream.SendFrame(pcm)
	}
}

func (e *Engine) pumpEvents(gen uint64, stream Stream, done chan struct{}) {
	defer close(done)
	for ev := range stream.Events() {
		e.handleEvent(gen, ev)
	}
}

// handleEvent applies one inbound transport event in receipt order. Events
// from a previous session generation are discarded.
func (e *Engine) handleEvent(gen uint64, ev transport.Event) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	switch ev.Type {
	case transport.EventDelta:
		e.transcript += ev.Text
		e.mu.Unlock()
	case transport.EventTranscription:
		e.transcript = ev.Text
		e.mu.Unlock()
		log.InterviewText("transcript", ev.Text)
	case transport.EventError:
		e.mu.Unlock()
		log.Errorf("backend error: %s", ev.Message)
		e.cfg.Notifier.Alert(ev.Message)
	case transport.EventDisconnected:
		e.mu.Unlock()
		log.Warn("transcription stream lost mid-session")
		e.cfg.Notifier.Alert("transcription stream disconnected; transcripts paused")
	default:
		e.mu.Unlock()
		return
	}
	e.notify()
}

// AnswerWithAI pauses capture, sends the accumulated transcript for answer
// generation, then resumes listening. Requires a non-empty transcript; a call
// while a request is already outstanding is a no-op. Generation failures are
// recoverable: the session returns to listening either way.
func (e *Engine) AnswerWithAI(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateGenerating {
		e.mu.Unlock()
		return nil
	}
	if e.state != StateListening {
		e.mu.Unlock()
		return fmt.Errorf("%w: no active interview", ErrPreconditionNotMet)
	}
	if strings.TrimSpace(e.transcript) == "" {
		e.mu.Unlock()
		e.cfg.Notifier.Alert("nothing transcribed yet")
		return fmt.Errorf("%w: transcript is empty", ErrPreconditionNotMet)
	}
	gen := e.gen
	question := e.transcript
	resume, jd := e.resumeText, e.jobDescription
	e.state = StateGenerating
	e.mu.Unlock()
	e.notify()

	e.cfg.Capture.Stop()

	started := time.Now()
	resp, err := e.cfg.Backend.GenerateAnswer(ctx, backend.AnswerRequest{
		Question:       question,
		ResumeText:     resume,
		JobDescription: jd,
	})

	e.mu.Lock()
	if gen != e.gen || e.state != StateGenerating {
		// Session ended mid-flight; the completion must not touch it.
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.state = StateListening
		e.mu.Unlock()
		log.Errorf("answer generation failed: %v", err)
		e.cfg.Notifier.Alert("answer generation failed; still listening")
	} else {
		pair := QAPair{ID: e.nextQAID, Question: resp.Question, Answer: resp.Answer}
		if pair.Question == "" {
			pair.Question = question
		}
		e.nextQAID++
		e.questions = append(e.questions, pair)
		e.transcript = ""
		e.state = StateListening
		e.mu.Unlock()
		log.AnswerMetrics(time.Since(started), len(pair.Question), len(pair.Answer))
		log.InterviewText("question", pair.Question)
		log.InterviewText("answer", pair.Answer)
	}
	e.notify()

	if e.cfg.RestartDelay > 0 {
		select {
		case <-time.After(e.cfg.RestartDelay):
		case <-ctx.Done():
		}
	}
	e.restartCapture(ctx, gen)
	return err
}

func (e *Engine) restartCapture(ctx context.Context, gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.state != StateListening {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.cfg.Capture.Start(ctx); err != nil {
		log.Errorf("capture restart failed: %v", err)
		e.cfg.Notifier.Alert("could not resume audio capture")
		return
	}
	// The session may have been torn down while the device was opening.
	e.mu.Lock()
	stale := gen != e.gen
	e.mu.Unlock()
	if stale {
		e.cfg.Capture.Stop()
	}
}

// End finishes the interview normally.
func (e *Engine) End(ctx context.Context) error {
	return e.teardown(ctx, "", false)
}

// ForceEnd terminates the interview, shows the reason, and routes the user to
// the billing surface.
func (e *Engine) ForceEnd(ctx context.Context, reason string) error {
	return e.teardown(ctx, reason, true)
}

// teardown is the single exit path shared by user action, surface
// destruction, and heartbeat-forced termination. Idempotent: only the call
// that finds an active session releases resources and reports to the ledger.
// Resource release is unconditional and precedes every ledger call; ledger
// failures are logged, never blocking the local reset.
func (e *Engine) teardown(ctx context.Context, reason string, forced bool) error {
	e.mu.Lock()
	if !e.state.Active() {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	e.state = StateTerminated
	elapsed := e.elapsed
	questions := len(e.questions)
	stream := e.stream
	tickStop, hbStop, eventsDone := e.tickStop, e.hbStop, e.eventsDone
	e.stream = nil
	e.tickStop, e.hbStop, e.eventsDone = nil, nil, nil
	e.mu.Unlock()

	if tickStop != nil {
		close(tickStop)
	}
	if hbStop != nil {
		close(hbStop)
	}
	e.cfg.Capture.Stop()
	if stream != nil {
		stream.Close()
		if eventsDone != nil {
			<-eventsDone
		}
	}

	if partial := partialMinutes(elapsed); partial > 0 {
		if err := e.cfg.Backend.DeductPartial(ctx, partial); err != nil {
			log.Errorf("partial deduction failed: %v", err)
		}
	}
	if err := e.cfg.Backend.RecordInterview(ctx, time.Now().Format("2006-01-02"), elapsed); err != nil {
		log.Errorf("interview record failed: %v", err)
	}
	log.SessionEnd(questions, elapsed)

	e.mu.Lock()
	e.transcript = ""
	e.questions = nil
	e.nextQAID = 1
	e.elapsed = 0
	e.remaining = 0
	switch {
	case forced:
		e.state = StateTerminated
	case e.resumeText != "":
		e.state = StateResumePending
	default:
		e.state = StateIdle
	}
	e.mu.Unlock()

	if forced {
		e.cfg.Notifier.Alert(reason)
		e.cfg.Notifier.OpenBilling(reason)
	}
	e.notify()
	return nil
}

// partialMinutes converts the fractional minute since the last whole-minute
// heartbeat into ledger units, rounded to 4 decimal digits.
func partialMinutes(elapsedSeconds uint64) float64 {
	frac := float64(elapsedSeconds%60) / 60
	return math.Round(frac*10000) / 10000
}

// Tick advances elapsed time by one second while the interview is active.
func (e *Engine) Tick() {
	e.mu.Lock()
	if e.state.Active() {
		e.elapsed++
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) runTicker(stop chan struct{}) {
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.Tick()
		}
	}
}

// CopyAnswer places the most recently generated answer on the clipboard.
func (e *Engine) CopyAnswer() error {
	e.mu.Lock()
	if len(e.questions) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: no answer generated yet", ErrPreconditionNotMet)
	}
	answer := e.questions[len(e.questions)-1].Answer
	e.mu.Unlock()
	if e.cfg.Clipboard == nil {
		return errors.New("clipboard unavailable")
	}
	return e.cfg.Clipboard(answer)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	qs := make([]QAPair, len(e.questions))
	copy(qs, e.questions)
	return Snapshot{
		State:            e.state,
		Elapsed:          e.elapsed,
		RemainingMinutes: e.remaining,
		Transcript:       e.transcript,
		Questions:        qs,
	}
}

// notify must be called without holding the mutex.
func (e *Engine) notify() {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange(e.Snapshot())
	}
}
