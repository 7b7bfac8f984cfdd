package location

import (
	"errors"
	"sync"
	"testing"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"

	"github.com/stretchr/testify/require"
)

func testLocationCfg() *config.Locationconfig {
	return &config.Locationconfig{
		MinDistanceMeters: 10,
		MinInterval:       5 * time.Second,
		FlushInterval:     10 * time.Second,
		BufferCap:         5000,
		MaxBatchSize:      500,
	}
}

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	batches  [][]Sample
}

func (u *fakeUploader) Upload(batch []Sample) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return errors.New("transport not ready")
	}
	u.batches = append(u.batches, batch)
	return nil
}

func sampleAt(i int) Sample {
	return Sample{
		Latitude:   43.0 + float64(i)*0.001,
		Longitude:  76.0,
		CapturedAt: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
	}
}

func TestFlushFailureLosesNothingAndKeepsOrder(t *testing.T) {
	uploader := &fakeUploader{failures: 1}
	b := NewBatcher(testLocationCfg(), mylogger.Nop(), uploader)

	for i := 0; i < 5; i++ {
		b.Add(sampleAt(i))
	}
	b.Flush() // fails, batch requeued
	require.Equal(t, 5, b.Len())

	for i := 5; i < 7; i++ {
		b.Add(sampleAt(i))
	}
	b.Flush() // succeeds

	require.Len(t, uploader.batches, 1)
	got := uploader.batches[0]
	require.Len(t, got, 7)
	for i, sample := range got {
		require.Equal(t, sampleAt(i).CapturedAt, sample.CapturedAt, "sample %d out of order", i)
	}
	require.Equal(t, 0, b.Len())
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	uploader := &fakeUploader{}
	b := NewBatcher(testLocationCfg(), mylogger.Nop(), uploader)

	b.Flush()
	require.Empty(t, uploader.batches)
}

func TestBufferCapDropsOldest(t *testing.T) {
	cfg := testLocationCfg()
	cfg.BufferCap = 3
	uploader := &fakeUploader{}
	b := NewBatcher(cfg, mylogger.Nop(), uploader)

	for i := 0; i < 5; i++ {
		b.Add(sampleAt(i))
	}
	require.Equal(t, 3, b.Len())

	b.Flush()
	require.Len(t, uploader.batches, 1)
	got := uploader.batches[0]
	require.Equal(t, sampleAt(2).CapturedAt, got[0].CapturedAt)
	require.Equal(t, sampleAt(4).CapturedAt, got[2].CapturedAt)
}

func TestFlushHonorsMaxBatchSize(t *testing.T) {
	cfg := testLocationCfg()
	cfg.MaxBatchSize = 2
	uploader := &fakeUploader{}
	b := NewBatcher(cfg, mylogger.Nop(), uploader)

	for i := 0; i < 5; i++ {
		b.Add(sampleAt(i))
	}
	b.Flush()

	require.Len(t, uploader.batches, 1)
	require.Len(t, uploader.batches[0], 2)
	require.Equal(t, 3, b.Len())

	// The remainder keeps its order on the next cycles.
	b.Flush()
	b.Flush()
	require.Equal(t, 0, b.Len())
	require.Equal(t, sampleAt(2).CapturedAt, uploader.batches[1][0].CapturedAt)
	// Five samples split 2+2+1; the last flush carries only sample 4.
	require.Len(t, uploader.batches[2], 1)
	require.Equal(t, sampleAt(4).CapturedAt, uploader.batches[2][0].CapturedAt)
}

func TestRetriedBatchStaysAheadAcrossRepeatedFailures(t *testing.T) {
	uploader := &fakeUploader{failures: 3}
	b := NewBatcher(testLocationCfg(), mylogger.Nop(), uploader)

	b.Add(sampleAt(0))
	for i := 1; i < 4; i++ {
		b.Flush()
		b.Add(sampleAt(i))
	}
	b.Flush()

	require.Len(t, uploader.batches, 1)
	got := uploader.batches[0]
	require.Len(t, got, 4)
	for i, sample := range got {
		require.Equal(t, sampleAt(i).CapturedAt, sample.CapturedAt)
	}
}
