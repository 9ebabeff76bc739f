// Package delivery runs outbound calls (responder turns, customer messages)
// at most once per idempotency key, with bounded retries for transient
// failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"convoflow/internal/domain"
	"convoflow/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// Ledger remembers which idempotency keys were delivered.
type Ledger interface {
	DeliveryRecorded(ctx context.Context, key string) (bool, error)
	RecordDelivery(ctx context.Context, key, scope string, now time.Time) error
}

// Config controls retries. Zero values fall back to the defaults below.
type Config struct {
	MaxRetries      int           // retries after the first attempt (default 3)
	InitialInterval time.Duration // first backoff (default 500ms)
	MaxInterval     time.Duration // backoff cap (default 10s)
	AttemptTimeout  time.Duration // per attempt (default 30s)
	Logger          *slog.Logger
}

// Deliverer wraps delivery functions with the ledger and retry policy.
type Deliverer struct {
	ledger Ledger
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Deliverer.
func New(ledger Ledger, cfg Config) *Deliverer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{ledger: ledger, cfg: cfg, logger: logger, now: time.Now}
}

// Request describes one delivery.
type Request struct {
	Key    string // idempotency key, recorded once fn succeeds
	Scope  string // "group" or "execution", for the ledger
	Target string // metrics label: responder, sender, generator
}

// Once runs fn unless req.Key was already delivered. Transient errors are
// retried with exponential backoff; errors wrapping domain.ErrPermanent stop
// immediately. It reports whether fn actually ran to success in this call.
func (d *Deliverer) Once(ctx context.Context, req Request, fn func(ctx context.Context) error) (bool, error) {
	done, err := d.ledger.DeliveryRecorded(ctx, req.Key)
	if err != nil {
		return false, err
	}
	if done {
		metrics.Deliveries.WithLabelValues(req.Target, "skipped").Inc()
		d.logger.Debug("delivery already recorded", "key", req.Key)
		return false, nil
	}

	if err := d.Retry(ctx, req.Target, fn); err != nil {
		return false, err
	}

	if err := d.ledger.RecordDelivery(ctx, req.Key, req.Scope, d.now()); err != nil {
		// The receiver already has the payload; it deduplicates on the
		// idempotency key if the caller ends up sending again.
		d.logger.Warn("delivery succeeded but ledger write failed", "key", req.Key, "err", err)
	}
	return true, nil
}

// Retry runs fn with the retry policy and no ledger.
func (d *Deliverer) Retry(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialInterval
	eb.MaxInterval = d.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
		err := fn(actx)
		switch {
		case err == nil:
			metrics.Deliveries.WithLabelValues(target, "ok").Inc()
			return nil
		case IsPermanent(err):
			metrics.Deliveries.WithLabelValues(target, "permanent").Inc()
			return backoff.Permanent(err)
		default:
			metrics.Deliveries.WithLabelValues(target, "error").Inc()
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("delivery failed, will retry", "target", target, "attempt", attempt, "backoff", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%s delivery failed after %d attempts: %w", target, attempt, err)
	}
	return nil
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrPermanent)
}
