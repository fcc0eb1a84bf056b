package relay

import "log/slog"

// runSweeper periodically reclaims records whose own timers never fired
// (process pauses, timer cancellation bugs). It is a defensive backstop: the
// per-request timer is the primary timeout mechanism, and the expiry bound
// always exceeds the request window, so a healthy record is never swept.
func (c *Coordinator) runSweeper() {
	defer c.sweepWG.Done()
	ticker := c.clk.Ticker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) sweepOnce() {
	swept := c.pending.sweepOlderThan(c.expiry)
	for _, rec := range swept {
		rec.resolve(Outcome{CorrelationID: rec.correlationID, Err: ErrTimeout})
		c.log.Warn("stale relay swept",
			slog.String("correlation_id", rec.correlationID),
			slog.String("requester", rec.requesterIdentity),
			slog.Time("created_at", rec.createdAt))
	}
}
