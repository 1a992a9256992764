package channels

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const defaultOutboundRPM = 20

// OutboundLimiter paces messages sent to an external platform so the
// pipeline's progress chatter never trips the platform's flood control.
type OutboundLimiter struct {
	limiter *rate.Limiter
}

// NewOutboundLimiter allows rpm messages per minute with a small burst.
func NewOutboundLimiter(rpm int) *OutboundLimiter {
	if rpm <= 0 {
		rpm = defaultOutboundRPM
	}
	burst := rpm / 4
	if burst < 1 {
		burst = 1
	}
	return &OutboundLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst),
	}
}

// Wait blocks until a send is allowed or ctx ends.
func (l *OutboundLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
