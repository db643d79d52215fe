package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"krack/backend"
	"krack/pipeline"
	"krack/transport"
)

type testRig struct {
	engine       *Engine
	backend      *backend.FakeBackend
	capture      *FakeCapture
	notifier     *FakeNotifier
	stream       *FakeStream
	dials        int
	dialedResume string
	dialedJD     string
}

func newRig(t *testing.T, mutate func(cfg *Config)) *testRig {
	t.Helper()
	rig := &testRig{
		backend:  &backend.FakeBackend{AnswerOut: "generated answer"},
		capture:  &FakeCapture{},
		notifier: &FakeNotifier{},
	}
	cfg := Config{
		Capture:  rig.capture,
		Backend:  rig.backend,
		Notifier: rig.notifier,
		Dial: func(ctx context.Context, resumeText, jobDescription string) (Stream, error) {
			rig.dials++
			rig.dialedResume = resumeText
			rig.dialedJD = jobDescription
			rig.stream = NewFakeStream()
			return rig.stream, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rig.engine = New(cfg)
	return rig
}

func (r *testRig) startListening(t *testing.T) {
	t.Helper()
	r.engine.SetResume("resume text")
	r.engine.SetJobDescription("backend role")
	if err := r.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.engine.State(); got != StateListening {
		t.Fatalf("state after Start = %v, want listening", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRequiresResume(t *testing.T) {
	rig := newRig(t, nil)
	err := rig.engine.Start(context.Background())
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("error = %v, want ErrPreconditionNotMet", err)
	}
	if rig.engine.State() != StateIdle {
		t.Errorf("state = %v, want idle", rig.engine.State())
	}
	if rig.dials != 0 || rig.capture.StartCount() != 0 {
		t.Error("no collaborator may be touched when the precondition fails")
	}
	if rig.notifier.AlertCount() == 0 {
		t.Error("expected a user-visible alert")
	}
}

func TestStartTransitions(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	if rig.dials != 1 {
		t.Errorf("dials = %d, want 1", rig.dials)
	}
	if rig.dialedResume != "resume text" || rig.dialedJD != "backend role" {
		t.Errorf("dial context = %q / %q", rig.dialedResume, rig.dialedJD)
	}
	if rig.capture.StartCount() != 1 {
		t.Errorf("capture starts = %d, want 1", rig.capture.StartCount())
	}

	// Second Start while active is a no-op.
	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rig.dials != 1 {
		t.Errorf("dials after re-Start = %d, want 1", rig.dials)
	}
}

func TestStartCaptureFailureUnwinds(t *testing.T) {
	rig := newRig(t, nil)
	rig.capture.StartErr = pipeline.ErrNoCaptureSource
	rig.engine.SetResume("resume text")

	err := rig.engine.Start(context.Background())
	if !errors.Is(err, pipeline.ErrNoCaptureSource) {
		t.Fatalf("error = %v, want ErrNoCaptureSource", err)
	}
	if rig.engine.State() != StateResumePending {
		t.Errorf("state = %v, want resume-pending", rig.engine.State())
	}
	if rig.stream.Closes() != 1 {
		t.Error("dialed stream must be closed after capture failure")
	}
	if rig.notifier.AlertCount() == 0 {
		t.Error("expected a user-visible alert")
	}
}

func TestFramesForwardedToStream(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	rig.engine.OnFrame([]byte{1, 2})
	rig.engine.OnFrame([]byte{3, 4})
	if rig.stream.SentFrames() != 2 {
		t.Errorf("sent frames = %d, want 2", rig.stream.SentFrames())
	}
}

func TestTranscriptDeltaAndReplace(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	for _, frag := range []string{"Hel", "lo", " world"} {
		rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: frag})
	}
	waitFor(t, "accumulated transcript", func() bool {
		return rig.engine.Snapshot().Transcript == "Hello world"
	})

	rig.stream.Emit(transport.Event{Type: transport.EventTranscription, Text: "Goodbye"})
	waitFor(t, "replaced transcript", func() bool {
		return rig.engine.Snapshot().Transcript == "Goodbye"
	})
}

func TestAnswerEmptyTranscriptNoOp(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	err := rig.engine.AnswerWithAI(context.Background())
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("error = %v, want ErrPreconditionNotMet", err)
	}
	if rig.engine.State() != StateListening {
		t.Errorf("state = %v, want listening", rig.engine.State())
	}
	if len(rig.backend.AnswerCalls) != 0 {
		t.Error("no answer request may be issued for an empty transcript")
	}
}

func TestAnswerAppendsQAPairAndResumes(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: "Why Go?"})
	waitFor(t, "transcript", func() bool { return rig.engine.Snapshot().Transcript != "" })

	if err := rig.engine.AnswerWithAI(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := rig.engine.Snapshot()
	if snap.State != StateListening {
		t.Errorf("state = %v, want listening", snap.State)
	}
	if snap.Transcript != "" {
		t.Errorf("transcript = %q, want cleared", snap.Transcript)
	}
	if len(snap.Questions) != 1 {
		t.Fatalf("questions = %d, want 1", len(snap.Questions))
	}
	qa := snap.Questions[0]
	if qa.ID != 1 || qa.Question != "Why Go?" || qa.Answer != "generated answer" {
		t.Errorf("QAPair = %+v", qa)
	}
	if rig.capture.StartCount() != 2 {
		t.Errorf("capture starts = %d, want restart after answer", rig.capture.StartCount())
	}
}

func TestAnswerIDsMonotonic(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	for i := 0; i < 3; i++ {
		rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: fmt.Sprintf("question %d", i)})
		waitFor(t, "transcript", func() bool { return rig.engine.Snapshot().Transcript != "" })
		if err := rig.engine.AnswerWithAI(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	snap := rig.engine.Snapshot()
	if len(snap.Questions) != 3 {
		t.Fatalf("questions = %d, want 3", len(snap.Questions))
	}
	for i, qa := range snap.Questions {
		if qa.ID != i+1 {
			t.Errorf("question %d id = %d, want %d", i, qa.ID, i+1)
		}
	}
}

// gateBackend blocks answer generation until released, to hold the engine in
// the generating state.
type gateBackend struct {
	*backend.FakeBackend
	release chan struct{}
}

func (g *gateBackend) GenerateAnswer(ctx context.Context, req backend.AnswerRequest) (backend.AnswerResponse, error) {
	<-g.release
	return g.FakeBackend.GenerateAnswer(ctx, req)
}

func TestAnswerReentrantGuard(t *testing.T) {
	gate := &gateBackend{
		FakeBackend: &backend.FakeBackend{AnswerOut: "slow answer"},
		release:     make(chan struct{}),
	}
	rig := newRig(t, func(cfg *Config) { cfg.Backend = gate })
	rig.backend = gate.FakeBackend
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: "question"})
	waitFor(t, "transcript", func() bool { return rig.engine.Snapshot().Transcript != "" })

	done := make(chan error, 1)
	go func() { done <- rig.engine.AnswerWithAI(context.Background()) }()
	waitFor(t, "generating state", func() bool { return rig.engine.State() == StateGenerating })

	// The concurrent call must return immediately without a second request.
	if err := rig.engine.AnswerWithAI(context.Background()); err != nil {
		t.Fatalf("concurrent AnswerWithAI = %v, want no-op", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := len(rig.backend.AnswerCalls); got != 1 {
		t.Errorf("answer requests = %d, want 1", got)
	}
}

func TestAnswerFailureRecoverable(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.AnswerErr = errors.New("model unavailable")
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: "question"})
	waitFor(t, "transcript", func() bool { return rig.engine.Snapshot().Transcript != "" })

	if err := rig.engine.AnswerWithAI(context.Background()); err == nil {
		t.Fatal("expected the generation error to surface")
	}
	snap := rig.engine.Snapshot()
	if snap.State != StateListening {
		t.Errorf("state = %v, want listening after recoverable failure", snap.State)
	}
	if snap.Transcript != "question" {
		t.Errorf("transcript = %q, must be retained on failure", snap.Transcript)
	}
	if len(snap.Questions) != 0 {
		t.Error("no QAPair may be appended on failure")
	}
	if rig.capture.StartCount() != 2 {
		t.Errorf("capture starts = %d, want restart even on failure", rig.capture.StartCount())
	}
}

func TestEndIdempotentWithPartialDeduction(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)

	for i := 0; i < 125; i++ {
		rig.engine.Tick()
	}
	if got := rig.engine.Snapshot().Elapsed; got != 125 {
		t.Fatalf("elapsed = %d, want 125", got)
	}

	if err := rig.engine.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rig.engine.End(context.Background()); err != nil {
		t.Fatal(err)
	}

	deductions := rig.backend.Deductions()
	if len(deductions) != 1 || deductions[0] != 0.0833 {
		t.Errorf("deductions = %v, want [0.0833]", deductions)
	}
	if rig.backend.Records() != 1 {
		t.Errorf("interview records = %d, want exactly 1", rig.backend.Records())
	}
	if rig.stream.Closes() != 1 {
		t.Errorf("stream closes = %d, want 1", rig.stream.Closes())
	}
	if rig.capture.Running {
		t.Error("capture must be stopped after End")
	}

	snap := rig.engine.Snapshot()
	if snap.State != StateResumePending {
		t.Errorf("state = %v, want resume-pending (resume retained)", snap.State)
	}
	if snap.Elapsed != 0 || snap.Transcript != "" || len(snap.Questions) != 0 {
		t.Errorf("session fields not reset: %+v", snap)
	}
}

func TestElapsedMonotonicAndResets(t *testing.T) {
	rig := newRig(t, nil)

	rig.engine.Tick() // before Start: inert
	if got := rig.engine.Snapshot().Elapsed; got != 0 {
		t.Fatalf("elapsed before Start = %d, want 0", got)
	}

	rig.startListening(t)
	last := uint64(0)
	for i := 0; i < 10; i++ {
		rig.engine.Tick()
		now := rig.engine.Snapshot().Elapsed
		if now < last {
			t.Fatalf("elapsed decreased: %d -> %d", last, now)
		}
		last = now
	}
	if last != 10 {
		t.Errorf("elapsed = %d, want 10", last)
	}

	rig.engine.End(context.Background())
	if got := rig.engine.Snapshot().Elapsed; got != 0 {
		t.Errorf("elapsed after End = %d, want 0", got)
	}
}

func TestHeartbeatExhaustionForcesTerminationOnce(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.HeartbeatOut = backend.HeartbeatResponse{RemainingMinutes: 0}
	rig.startListening(t)

	rig.engine.Heartbeat()

	if rig.engine.State() != StateTerminated {
		t.Fatalf("state = %v, want terminated", rig.engine.State())
	}
	if rig.capture.Running {
		t.Error("capture must be stopped")
	}
	if rig.stream.Closes() != 1 {
		t.Errorf("stream closes = %d, want 1", rig.stream.Closes())
	}
	billing := rig.notifier.Billing()
	if len(billing) != 1 || billing[0] != ReasonBudgetExhausted {
		t.Errorf("billing routes = %v, want one fixed-reason route", billing)
	}
	if rig.backend.Records() != 1 {
		t.Errorf("interview records = %d, want 1", rig.backend.Records())
	}

	// A straggler beat after termination must not terminate again.
	rig.engine.Heartbeat()
	if len(rig.notifier.Billing()) != 1 {
		t.Error("termination must happen exactly once")
	}
	if rig.backend.Records() != 1 {
		t.Error("ledger record must happen exactly once")
	}
}

func TestHeartbeatBudgetErrorForcesTermination(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.HeartbeatErr = fmt.Errorf("heartbeat: %w", backend.ErrBudgetExhausted)
	rig.startListening(t)

	rig.engine.Heartbeat()
	if rig.engine.State() != StateTerminated {
		t.Fatalf("state = %v, want terminated", rig.engine.State())
	}
}

func TestHeartbeatTransientFailureKeepsSession(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.HeartbeatErr = errors.New("connection reset")
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	rig.engine.Heartbeat()
	if rig.engine.State() != StateListening {
		t.Errorf("state = %v, transient heartbeat failure must not end the session", rig.engine.State())
	}
}

func TestHeartbeatUpdatesRemaining(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.HeartbeatOut = backend.HeartbeatResponse{RemainingMinutes: 42.5, ConsumedMinutes: 1}
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	rig.engine.Heartbeat()
	if got := rig.engine.Snapshot().RemainingMinutes; got != 42.5 {
		t.Errorf("remaining = %v, want 42.5", got)
	}
}

func TestStartAfterForcedTerminationNeedsNewResume(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.HeartbeatOut = backend.HeartbeatResponse{RemainingMinutes: 0}
	rig.startListening(t)
	rig.engine.Heartbeat()

	err := rig.engine.Start(context.Background())
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("Start from terminated = %v, want ErrPreconditionNotMet", err)
	}

	rig.engine.SetResume("fresh resume")
	rig.backend.HeartbeatOut = backend.HeartbeatResponse{RemainingMinutes: 10}
	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start after re-arming = %v", err)
	}
	defer rig.engine.End(context.Background())
	if rig.engine.State() != StateListening {
		t.Errorf("state = %v, want listening", rig.engine.State())
	}
}

func TestCopyAnswer(t *testing.T) {
	var copied string
	rig := newRig(t, func(cfg *Config) {
		cfg.Clipboard = func(text string) error {
			copied = text
			return nil
		}
	})
	rig.startListening(t)
	defer rig.engine.End(context.Background())

	if err := rig.engine.CopyAnswer(); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("CopyAnswer with no answers = %v, want ErrPreconditionNotMet", err)
	}

	rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: "question"})
	waitFor(t, "transcript", func() bool { return rig.engine.Snapshot().Transcript != "" })
	if err := rig.engine.AnswerWithAI(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rig.engine.CopyAnswer(); err != nil {
		t.Fatal(err)
	}
	if copied != "generated answer" {
		t.Errorf("copied = %q", copied)
	}
}

func TestStaleEventsDiscardedAfterTeardown(t *testing.T) {
	rig := newRig(t, nil)
	rig.startListening(t)
	first := rig.stream

	rig.engine.End(context.Background())
	rig.engine.SetResume("resume text")
	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer rig.engine.End(context.Background())

	_ = first // closed by teardown; its pump has exited
	rig.stream.Emit(transport.Event{Type: transport.EventDelta, Text: "new session"})
	waitFor(t, "new session transcript", func() bool {
		return rig.engine.Snapshot().Transcript == "new session"
	})
}
