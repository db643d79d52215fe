package session

import (
	"context"
	"errors"
	"time"

	"krack/backend"
	"krack/log"
)

func (e *Engine) runHeartbeat(stop chan struct{}) {
	t := time.NewTicker(e.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.Heartbeat()
		}
	}
}

// Heartbeat reports consumption to the ledger and enforces the returned
// balance. The ledger's figure is authoritative: exhaustion or an
// access-denied outcome forces termination. Transient failures are logged and
// the session continues until the next beat.
func (e *Engine) Heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := e.cfg.Backend.Heartbeat(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrBudgetExhausted) {
			e.ForceEnd(context.Background(), ReasonBudgetExhausted)
			return
		}
		log.Warnf("heartbeat failed: %v", err)
		return
	}
	log.HeartbeatResult(resp.RemainingMinutes, resp.ConsumedMinutes)

	e.mu.Lock()
	if e.state.Active() {
		e.remaining = resp.RemainingMinutes
	}
	e.mu.Unlock()

	if resp.RemainingMinutes <= 0 {
		e.ForceEnd(context.Background(), ReasonBudgetExhausted)
		return
	}
	e.notify()
}
