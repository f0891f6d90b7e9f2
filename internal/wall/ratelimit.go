package wall

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// acquireBudget reserves one unit of the shared per-process token-bucket and
// waits out its delay, honoring ctx's deadline; if ctx ends first, the
// reservation is canceled before its time comes and its unit is restored.
// The reservation is returned so the caller can Cancel it on a downstream
// failure. By then its delay has already passed, and rate.Reservation.Cancel
// restores nothing for a reservation whose time has come, so a failed
// request still uses up its unit.
func (s *Server) acquireBudget(ctx context.Context) (*rate.Reservation, error) {
	res := s.limiter.Reserve()
	if !res.OK() {
		return nil, context.DeadlineExceeded
	}
	delay := res.Delay()
	if delay <= 0 {
		return res, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return res, nil
	case <-ctx.Done():
		res.Cancel()
		return nil, ctx.Err()
	}
}
