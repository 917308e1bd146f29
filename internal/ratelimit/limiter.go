// Package ratelimit implements fixed-window request quotas per identifier.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/repo"
)

// Identifier types
const (
	TypeUser = "user"
	TypeIP   = "ip"
)

// globalEndpoint keys the tier counters shared by every route.
const globalEndpoint = "*"

// Decision is the outcome of one quota check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err returns ErrRateLimitExceeded for a denied request.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return autherror.ErrRateLimitExceeded
}

// Request identifies the caller of one HTTP request. UserID is empty for
// anonymous callers.
type Request struct {
	UserID   string
	IP       string
	Endpoint string
}

// Limiter counts requests per identifier in fixed windows. Store errors
// allow the request and are logged.
type Limiter struct {
	cfg   Config
	store repo.RateWindowRepo
	clock clock.Clock
}

// New creates a Limiter after validating cfg.
func New(cfg Config, store repo.RateWindowRepo, clk clock.Clock) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, store: store, clock: clk}, nil
}

// CheckAndConsume picks the identifier for r and takes one request from its
// quota. Endpoint rules key by IP; otherwise authenticated callers use the
// user tier and anonymous callers the IP tier.
func (l *Limiter) CheckAndConsume(ctx context.Context, r Request) Decision {
	if _, ok := l.cfg.Endpoints[r.Endpoint]; ok {
		return l.Allow(ctx, r.IP, TypeIP, r.Endpoint)
	}
	if r.UserID != "" {
		return l.Allow(ctx, r.UserID, TypeUser, r.Endpoint)
	}
	return l.Allow(ctx, r.IP, TypeIP, r.Endpoint)
}

// Allow takes one request from the window of (identifier, identifierType,
// endpoint). An endpoint rule replaces the tier rule entirely.
func (l *Limiter) Allow(ctx context.Context, identifier, identifierType, endpoint string) Decision {
	rule, key := l.resolve(identifier, identifierType, endpoint)
	now := l.clock.Now()

	w, ok, err := l.store.Consume(ctx, key, rule.Limit, rule.Window.Duration, now)
	if err != nil {
		log.Printf("ratelimit: store error for %s/%s, allowing request: %v", key.IdentifierType, key.Endpoint, err)
		return Decision{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   now.Add(rule.Window.Duration),
		}
	}

	d := Decision{
		Allowed:   ok,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-w.RequestCount, 0),
		ResetAt:   w.WindowEnd,
	}
	if d.Remaining == 0 {
		d.RetryAfter = retryAfter(w.WindowEnd.Sub(now))
	}
	if !ok {
		log.Printf("ratelimit: %s %s exceeded %d/%s on %s", key.IdentifierType, key.Identifier, rule.Limit, rule.Window.Duration, key.Endpoint)
	}
	return d
}

// Rule returns the rule that applies to identifierType on endpoint.
func (l *Limiter) Rule(identifierType, endpoint string) Rule {
	r, _ := l.resolve("", identifierType, endpoint)
	return r
}

func (l *Limiter) resolve(identifier, identifierType, endpoint string) (Rule, repo.RateWindowKey) {
	if r, ok := l.cfg.Endpoints[endpoint]; ok {
		return r, repo.RateWindowKey{Identifier: identifier, IdentifierType: identifierType, Endpoint: endpoint}
	}
	r := l.cfg.IP
	if identifierType == TypeUser {
		r = l.cfg.User
	}
	return r, repo.RateWindowKey{Identifier: identifier, IdentifierType: identifierType, Endpoint: globalEndpoint}
}

// retryAfter rounds d up to whole seconds, at least one.
func retryAfter(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

func (d Decision) String() string {
	return fmt.Sprintf("allowed=%t limit=%d remaining=%d reset=%d", d.Allowed, d.Limit, d.Remaining, d.ResetAt.Unix())
}
