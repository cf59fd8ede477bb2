package health

import (
	"context"
	"time"
)

func (t *Tracker) enqueue(s Sample) {
	t.qmu.Lock()
	t.queue = append(t.queue, s)
	if max := t.cfg.MaxQueue; max > 0 && len(t.queue) > max {
		over := len(t.queue) - max
		t.queue = t.queue[over:]
		t.dropped += int64(over)
		t.logger.Warn("health queue full, dropping oldest samples", "dropped", over)
	}
	t.qmu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Pending returns the number of samples awaiting persistence.
func (t *Tracker) Pending() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

// Dropped returns how many samples were discarded because the queue was
// full.
func (t *Tracker) Dropped() int64 {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return t.dropped
}

// Bounds for the delay between attempts after a failed flush.
const (
	minFlushRetry = 50 * time.Millisecond
	maxFlushRetry = 30 * time.Second
)

// flushLoop coalesces samples queued within FlushDelay into one write. After
// a failed write it retries on its own with a doubling delay, so queued
// samples reach the sink even when no new sample arrives.
func (t *Tracker) flushLoop() {
	defer close(t.done)
	var retry time.Duration
	for {
		wait := retry
		if retry == 0 {
			select {
			case <-t.stop:
				return
			case <-t.kick:
			}
			wait = t.cfg.FlushDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.flush(ctx)
		cancel()
		if err == nil {
			retry = 0
			continue
		}
		retry = nextFlushRetry(retry, t.cfg.FlushDelay)
	}
}

func nextFlushRetry(prev, base time.Duration) time.Duration {
	if prev == 0 {
		return min(max(base, minFlushRetry), maxFlushRetry)
	}
	return min(prev*2, maxFlushRetry)
}

// flush writes queued samples in batches. A failed batch is put back at the
// front of the queue and the error returned.
func (t *Tracker) flush(ctx context.Context) error {
	size := t.cfg.FlushBatchSize
	if size <= 0 {
		size = 100
	}
	for {
		t.qmu.Lock()
		if len(t.queue) == 0 {
			t.qmu.Unlock()
			return nil
		}
		n := min(size, len(t.queue))
		batch := make([]Sample, n)
		copy(batch, t.queue[:n])
		t.queue = t.queue[n:]
		t.qmu.Unlock()

		if err := t.sink.InsertHealthSamples(ctx, batch); err != nil {
			t.qmu.Lock()
			t.queue = append(batch, t.queue...)
			t.qmu.Unlock()
			t.logger.Warn("health flush failed", "samples", n, "error", err)
			return err
		}
	}
}
