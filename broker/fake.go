package broker

import "sync"

// FakeSurface records protection toggles for tests.
type FakeSurface struct {
	mu      sync.Mutex
	Applied []bool
	Err     error
}

func (s *FakeSurface) SetContentProtection(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Applied = append(s.Applied, enable)
	return nil
}

func (s *FakeSurface) Last() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Applied) == 0 {
		return false, false
	}
	return s.Applied[len(s.Applied)-1], true
}

// FakeGuard counts engage/release cycles.
type FakeGuard struct {
	mu       sync.Mutex
	Engaged  int
	Released int
	Err      error
}

func (g *FakeGuard) Engage() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	g.Engaged++
	return nil
}

func (g *FakeGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Released++
}
