package location

import (
	"context"
	"sync"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"
)

// Uploader delivers one extracted batch. An error means nothing was durably
// delivered and the whole batch will be retried.
type Uploader interface {
	Upload(batch []Sample) error
}

// Batcher buffers accepted samples and flushes them periodically. Samples are
// kept in capture order; a failed upload is reinserted ahead of anything
// captured since, so relative order survives retries. The buffer is capped,
// dropping the oldest samples during prolonged offline stretches.
type Batcher struct {
	cfg      *config.Locationconfig
	log      mylogger.Logger
	uploader Uploader

	mu  sync.Mutex
	buf []Sample
}

func NewBatcher(cfg *config.Locationconfig, log mylogger.Logger, uploader Uploader) *Batcher {
	return &Batcher{
		cfg:      cfg,
		log:      log.With("component", "batcher"),
		uploader: uploader,
	}
}

// Add appends one sample, evicting the oldest past the buffer cap.
func (b *Batcher) Add(sample Sample) {
	b.mu.Lock()
	b.buf = append(b.buf, sample)
	if over := len(b.buf) - b.cfg.BufferCap; over > 0 {
		b.buf = b.buf[over:]
		b.log.Action("buffer_overflow").Warn("dropped oldest samples", "dropped", over)
	}
	b.mu.Unlock()
}

// Len reports the number of buffered samples.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush atomically extracts up to MaxBatchSize samples and hands them to the
// uploader. On failure the batch goes back to the head of the buffer. No-op
// on an empty buffer.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	n := len(b.buf)
	if max := b.cfg.MaxBatchSize; max > 0 && n > max {
		n = max
	}
	batch := b.buf[:n:n]
	b.buf = b.buf[n:]
	b.mu.Unlock()

	if err := b.uploader.Upload(batch); err != nil {
		b.log.Action("flush_failed").Warn("upload failed, batch requeued",
			"samples", len(batch), "error", err.Error())
		b.requeue(batch)
		return
	}
	b.log.Action("flush").Debug("batch uploaded", "samples", len(batch))
}

func (b *Batcher) requeue(batch []Sample) {
	b.mu.Lock()
	b.buf = append(batch, b.buf...)
	if over := len(b.buf) - b.cfg.BufferCap; over > 0 {
		b.buf = b.buf[over:]
		b.log.Action("buffer_overflow").Warn("dropped oldest samples", "dropped", over)
	}
	b.mu.Unlock()
}

// Run flushes on the fixed interval until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
