package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/media-orchestrator/internal/clock"
)

func waitFor(t *testing.T, f *Future) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	require.NoError(t, err)
	return r
}

func testConfig() QueueBusConfig {
	return QueueBusConfig{
		BatchSize:        3,
		BatchTimeout:     time.Hour, // only size-triggered flushes unless overridden
		MaxBufferSize:    100,
		DedupWindow:      time.Minute,
		DedupCacheSize:   100,
		MaxRetryAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    time.Millisecond,
		Breaker:          BreakerConfig{FailureThreshold: 2, Timeout: time.Minute, SuccessThreshold: 1},
	}
}

func TestPublishFlushesAtBatchSize(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	qb := New(sink, fc, nil, testConfig())

	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := qb.Publish(context.Background(), TopicUpload, []byte(`{"n":1}`), PublishOptions{})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		r := waitFor(t, f)
		require.True(t, r.Delivered)
	}
	require.Len(t, sink.Delivered(), 3)
}

func TestPublishFlushesByAge(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.BatchTimeout = time.Second
	qb := New(sink, fc, nil, cfg)

	f, err := qb.Publish(context.Background(), TopicDownload, []byte(`{"n":1}`), PublishOptions{})
	require.NoError(t, err)

	fc.Advance(2 * time.Second)

	r := waitFor(t, f)
	require.True(t, r.Delivered)
}

func TestDuplicateFingerprintSuppressed(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	cfg := testConfig()
	cfg.BatchSize = 1
	qb := New(sink, fc, nil, cfg)

	payload := []byte(`{"task_id":"abc"}`)
	f1, err := qb.Publish(context.Background(), TopicUpload, payload, PublishOptions{})
	require.NoError(t, err)
	require.True(t, waitFor(t, f1).Delivered)

	f2, err := qb.Publish(context.Background(), TopicUpload, payload, PublishOptions{})
	require.NoError(t, err)
	r2 := waitFor(t, f2)
	require.True(t, r2.Delivered)
	require.True(t, r2.Duplicate, "second publish within the dedup window must report duplicate:true")

	require.Len(t, sink.Delivered(), 1, "duplicate fingerprint must not be redelivered")
}

func TestBufferOverflowDropsOldestTenPercent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	cfg := testConfig()
	cfg.BatchSize = 1000   // never size-triggered
	cfg.BatchTimeout = time.Hour // never age-triggered
	cfg.MaxBufferSize = 10
	qb := New(sink, fc, nil, cfg)

	var futures []*Future
	for i := 0; i < 11; i++ {
		f, err := qb.Publish(context.Background(), TopicSystemEvents, []byte(`{"n":`+string(rune('0'+i))+`}`), PublishOptions{})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	r := waitFor(t, futures[0])
	require.True(t, r.Dropped)

	entries := qb.DeadLetterQueue().List()
	require.Len(t, entries, 1)
	require.Equal(t, "buffer_overflow", entries[0].Reason)
}

func TestCircuitBreakerOpensAfterFailuresAndFallsBack(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	sink.FailNext(10, errors.New("downstream down"))
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxRetryAttempts = 1 // fail fast, one failure per publish
	qb := New(sink, fc, nil, cfg)

	for i := 0; i < 2; i++ {
		f, err := qb.Publish(context.Background(), TopicUpload, []byte(`{"n":1}`), PublishOptions{})
		require.NoError(t, err)
		r := waitFor(t, f)
		require.True(t, r.Dropped)
	}

	f, err := qb.Publish(context.Background(), TopicUpload, []byte(`{"n":2}`), PublishOptions{})
	require.NoError(t, err)
	r := waitFor(t, f)
	require.True(t, r.Fallback, "breaker should be open and short-circuit without attempting delivery")
}

func TestDeadLetterRetrySucceeds(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	sink.FailNext(1, errors.New("boom"))
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxRetryAttempts = 1
	qb := New(sink, fc, nil, cfg)

	f, err := qb.Publish(context.Background(), TopicUpload, []byte(`{"n":1}`), PublishOptions{})
	require.NoError(t, err)
	require.True(t, waitFor(t, f).Dropped)

	entries := qb.DeadLetterQueue().List()
	require.Len(t, entries, 1)

	err = qb.DeadLetterQueue().Retry(context.Background(), entries[0].ID, func(ctx context.Context, e DeadLetterEntry) error {
		return sink.Deliver(ctx, Message{ID: e.ID, Topic: e.Topic, Payload: e.Payload, Metadata: e.Metadata})
	})
	require.NoError(t, err)
	require.Equal(t, 0, qb.DeadLetterQueue().Len())
	require.Len(t, sink.Delivered(), 1)
}

func TestForceDirectBypassesBuffer(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.BatchTimeout = time.Hour
	qb := New(sink, fc, nil, cfg)

	f, err := qb.Publish(context.Background(), TopicUpload, []byte(`{"n":1}`), PublishOptions{ForceDirect: true})
	require.NoError(t, err)
	require.True(t, waitFor(t, f).Delivered)
}

func TestMirrorReceivesPublishAndBreakerTripEvents(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink := NewMemorySink()
	sink.FailNext(10, errors.New("downstream down"))
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxRetryAttempts = 1
	qb := New(sink, fc, nil, cfg)

	mirror := NewBus()
	qb.SetMirror(mirror)
	sub := mirror.Subscribe("")
	defer mirror.Unsubscribe(sub)

	for i := 0; i < 2; i++ {
		f, err := qb.Publish(context.Background(), TopicUpload, []byte(`{"n":1}`), PublishOptions{})
		require.NoError(t, err)
		waitFor(t, f)
	}

	seenPublish, seenTrip := false, false
	for i := 0; i < 4; i++ {
		select {
		case evt := <-sub.Ch():
			if evt.Topic == TopicUpload {
				seenPublish = true
			}
			if evt.Topic == "circuit-breaker" {
				seenTrip = true
			}
		case <-time.After(time.Second):
		}
	}
	require.True(t, seenPublish, "mirror should see the topic publish event")
	require.True(t, seenTrip, "mirror should see the circuit breaker trip event")
}
