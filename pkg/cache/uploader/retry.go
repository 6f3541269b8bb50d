package uploader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valandreev/mediasync/pkg/media"
)

// sendWithRetry runs up to opts.MaxRetries transfer attempts. It returns the
// number of attempts made alongside the outcome.
func (p *Pipeline) sendWithRetry(ctx context.Context, req media.TransferRequest, opts Options) (media.TransferResult, int, error) {
	progress := newProgressTracker(opts.Progress)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.RecordRetried(req.Kind)
		}

		attempts++
		result, err := p.attempt(ctx, req, opts.Timeout, attempt, progress)
		if err == nil {
			progress.complete()
			return result, attempts, nil
		}
		lastErr = err

		if errors.Is(err, media.ErrCancelled) || media.IsPermanent(err) {
			return media.TransferResult{}, attempts, err
		}
		if attempt+1 >= opts.MaxRetries {
			break
		}

		delay := p.backoffDelay(attempt)
		p.logger.Warnf("retrying upload of %s in %s (attempt %d/%d): %v", req.Path, delay, attempt+1, opts.MaxRetries, err)
		if err := p.sleeper.Sleep(ctx, delay); err != nil {
			return media.TransferResult{}, attempts, fmt.Errorf("%w: %v", media.ErrCancelled, err)
		}
	}

	return media.TransferResult{}, attempts, lastErr
}

// attempt runs one transfer against its own deadline. The deadline also
// covers waiting on the pause gate and for a transfer slot, so a paused or
// saturated pipeline fails the attempt with ErrTimeout instead of hanging.
// Whichever resolves first, the transfer or the deadline, decides the
// outcome; progress from a resolved attempt is dropped.
func (p *Pipeline) attempt(ctx context.Context, req media.TransferRequest, timeout time.Duration, n int, progress *progressTracker) (media.TransferResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.waitResumed(attemptCtx); err != nil {
		return media.TransferResult{}, p.classify(ctx, attemptCtx, timeout, err)
	}
	if err := p.slots.Acquire(attemptCtx, 1); err != nil {
		return media.TransferResult{}, p.classify(ctx, attemptCtx, timeout, err)
	}

	p.metrics.RecordStarted(req.Kind)
	p.logger.Debugf("upload attempt %d for %s (%s)", n+1, req.Path, media.FormatBytes(req.Size))

	var resolved atomic.Bool
	report := func(percent float64) {
		if resolved.Load() {
			return
		}
		progress.report(media.Fraction(percent))
	}

	type outcome struct {
		result media.TransferResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		// The slot is held until Send returns, even past the deadline, so a
		// transfer that ignores cancellation still counts against the limit.
		defer p.slots.Release(1)
		result, err := p.transfer.Send(attemptCtx, req, report)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		resolved.Store(true)
		if out.err == nil {
			return out.result, nil
		}
		return media.TransferResult{}, p.classify(ctx, attemptCtx, timeout, out.err)
	case <-attemptCtx.Done():
		resolved.Store(true)
		return media.TransferResult{}, p.classify(ctx, attemptCtx, timeout, attemptCtx.Err())
	}
}

func (p *Pipeline) classify(ctx, attemptCtx context.Context, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", media.ErrCancelled, ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", media.ErrTimeout, timeout)
	case media.KindOf(err) != media.ErrorKindUnknown:
		return err
	default:
		return fmt.Errorf("%w: %w", media.ErrTransferFailed, err)
	}
}

// backoffDelay returns min(base * 2^attempt, max) for a zero-based attempt.
func (p *Pipeline) backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.cfg.BaseRetryDelay
	pow := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * pow)
	if delay > p.cfg.MaxRetryDelay || delay <= 0 {
		return p.cfg.MaxRetryDelay
	}
	return delay
}

// progressTracker forwards fractions to the caller's sink, keeping them
// monotonic across attempts. 1.0 is only sent once, by complete.
type progressTracker struct {
	mu   sync.Mutex
	sink ProgressFunc
	last float64
	done bool
}

func newProgressTracker(sink ProgressFunc) *progressTracker {
	return &progressTracker{sink: sink, last: -1}
}

func (t *progressTracker) report(fraction float64) {
	if t.sink == nil {
		return
	}
	if fraction >= 1 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || fraction <= t.last {
		return
	}
	t.last = fraction
	t.sink(fraction)
}

func (t *progressTracker) complete() {
	if t.sink == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.last = 1
	t.sink(1)
}
