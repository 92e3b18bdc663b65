package coordinator

import (
	"time"

	"github.com/klingon-exchange/musig2mesh/internal/merrors"
	"github.com/klingon-exchange/musig2mesh/internal/musig"
)

// runCleanup periodically force-aborts sessions that have aged past
// SessionTimeout, or that are stuck (non-terminal, non-INIT, and whose
// UpdatedAt is older than StuckTimeout).
func (c *Coordinator) runCleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.cleanupTicker.C:
			c.sweepSessions()
		}
	}
}

// sweepSessions aborts every session meeting the timeout/stuck conditions
// above and drops any pendingRequest whose SigningRequest has expired.
func (c *Coordinator) sweepSessions() {
	now := time.Now()

	c.mu.RLock()
	var toAbort []string
	for sessionID, entry := range c.sessions {
		entry.session.Lock()
		phase := entry.session.Phase
		age := now.Sub(entry.session.CreatedAt)
		idle := now.Sub(entry.session.UpdatedAt)
		entry.session.Unlock()

		if phase == musig.PhaseComplete || phase == musig.PhaseAborted {
			continue
		}
		if age > c.cfg.SessionTimeout {
			toAbort = append(toAbort, sessionID)
			continue
		}
		if phase != musig.PhaseInit && idle > c.cfg.StuckTimeout {
			toAbort = append(toAbort, sessionID)
		}
	}
	c.mu.RUnlock()

	for _, sessionID := range toAbort {
		if err := c.CloseSession(c.ctx, sessionID, merrors.Kind(merrors.ErrTimeout)); err != nil {
			c.log.Warn("cleanup failed to close session", "sessionId", sessionID, "err", err)
		}
	}

	c.mu.Lock()
	for requestID, pr := range c.requests {
		pr.mu.Lock()
		expired := now.UnixMilli() > pr.request.ExpiresAt
		pr.mu.Unlock()
		if expired {
			delete(c.requests, requestID)
		}
	}
	for sessionID, entry := range c.sessions {
		entry.session.Lock()
		terminal := entry.session.Phase == musig.PhaseComplete || entry.session.Phase == musig.PhaseAborted
		entry.session.Unlock()
		if terminal && now.Sub(entry.session.UpdatedAt) > c.cfg.StuckTimeout {
			delete(c.sessions, sessionID)
		}
	}
	c.mu.Unlock()
}
