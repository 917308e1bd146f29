package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled limits outbound delivery to a steady rate across all recipients.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket of perSecond and burst.
func NewThrottled(next Notifier, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Send(ctx context.Context, msg Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify throttle: %w", err)
	}
	return t.next.Send(ctx, msg)
}
