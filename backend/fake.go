package backend

import (
	"context"
	"io"
	"sync"
)

// FakeBackend satisfies the session engine collaborators without a network.
// Tests and the scripted test environment drive it directly.
type FakeBackend struct {
	mu sync.Mutex

	ResumeTextOut string
	AnswerOut     string
	AnswerErr     error
	HeartbeatOut  HeartbeatResponse
	HeartbeatErr  error
	DeductErr     error
	RecordErr     error

	AnswerCalls    []AnswerRequest
	DeductCalls    []float64
	RecordCalls    int
	HeartbeatCalls int
}

func (f *FakeBackend) UploadResume(ctx context.Context, filename string, r io.Reader) (string, error) {
	io.Copy(io.Discard, r)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ResumeTextOut, nil
}

func (f *FakeBackend) GenerateAnswer(ctx context.Context, req AnswerRequest) (AnswerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AnswerCalls = append(f.AnswerCalls, req)
	if f.AnswerErr != nil {
		return AnswerResponse{}, f.AnswerErr
	}
	return AnswerResponse{Question: req.Question, Answer: f.AnswerOut}, nil
}

func (f *FakeBackend) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HeartbeatCalls++
	if f.HeartbeatErr != nil {
		return HeartbeatResponse{}, f.HeartbeatErr
	}
	return f.HeartbeatOut, nil
}

func (f *FakeBackend) DeductPartial(ctx context.Context, partialMinutes float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeductCalls = append(f.DeductCalls, partialMinutes)
	return f.DeductErr
}

func (f *FakeBackend) RecordInterview(ctx context.Context, date string, timeTakenSeconds uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RecordCalls++
	return f.RecordErr
}

// Deductions returns a copy of the partial amounts reported so far.
func (f *FakeBackend) Deductions() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.DeductCalls))
	copy(out, f.DeductCalls)
	return out
}

// Records returns how many interviews were recorded.
func (f *FakeBackend) Records() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RecordCalls
}

// Heartbeats returns how many heartbeats were sent.
func (f *FakeBackend) Heartbeats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HeartbeatCalls
}
