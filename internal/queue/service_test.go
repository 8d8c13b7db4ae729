// ABOUTME: Tests for the queue service policy layer
// ABOUTME: Covers validation, derived idempotency keys, batch clamping, and contention retry

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay-gateway/internal/store"
)

// fakeStore records calls and lets tests script errors.
type fakeStore struct {
	enqueued []*store.QueuedMessage
	byID     map[string]*store.QueuedMessage

	enqueueErrs []error
	leasePolicy store.LeasePolicy
	leaseErrs   []error
	reportErrs  []error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*store.QueuedMessage)}
}

func (f *fakeStore) popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeStore) EnqueueMessage(_ context.Context, msg *store.QueuedMessage) error {
	if err := f.popErr(&f.enqueueErrs); err != nil {
		return err
	}
	for _, existing := range f.enqueued {
		if existing.SenderID == msg.SenderID && existing.IdempotencyKey == msg.IdempotencyKey && !existing.Terminal() {
			return &store.DuplicateError{ExistingID: existing.ID}
		}
	}
	f.enqueued = append(f.enqueued, msg)
	f.byID[msg.ID] = msg
	return nil
}

func (f *fakeStore) LeaseMessages(_ context.Context, _ string, policy store.LeasePolicy) ([]*store.QueuedMessage, bool, error) {
	f.leasePolicy = policy
	if err := f.popErr(&f.leaseErrs); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (f *fakeStore) ReportOutcome(_ context.Context, _, _, _ string, _ bool, _ string, _ store.RetryPolicy) error {
	return f.popErr(&f.reportErrs)
}

func (f *fakeStore) CancelMessage(_ context.Context, _ string) error { return nil }

func (f *fakeStore) GetMessage(_ context.Context, id string) (*store.QueuedMessage, error) {
	msg, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

func (f *fakeStore) QueueStats(_ context.Context, _ string) (*store.QueueStats, error) {
	return &store.QueueStats{}, nil
}

func TestEnqueue_Validation(t *testing.T) {
	svc := New(newFakeStore(), Options{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{SenderID: "s", Body: "hi"})
	assert.Error(t, err, "missing destination should fail")

	_, err = svc.Enqueue(ctx, EnqueueRequest{SenderID: "s", Destination: "d", Body: "   "})
	assert.Error(t, err, "blank body should fail")
}

func TestEnqueue_BodyTooLarge(t *testing.T) {
	svc := New(newFakeStore(), Options{MaxBodyChars: 10})

	big := make([]rune, 11)
	for i := range big {
		big[i] = 'x'
	}
	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		SenderID: "s", Destination: "d", Body: string(big),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEnqueue_BodyLimitCountsRunes(t *testing.T) {
	svc := New(newFakeStore(), Options{MaxBodyChars: 5})

	// Five multi-byte runes are within a five-char limit.
	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		SenderID: "s", Destination: "d", Body: "héllò",
	})
	assert.NoError(t, err)
}

func TestEnqueue_AssignsIDAndDerivedKey(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Options{})

	res, err := svc.Enqueue(context.Background(), EnqueueRequest{
		SenderID: "s", Destination: "d", Body: "hello", RequestedBy: "p",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.Message.ID)
	assert.NotEmpty(t, res.Message.IdempotencyKey, "a key must be derived when none is given")
	assert.Equal(t, store.StatusQueued, res.Message.Status)
}

func TestEnqueue_ExplicitKeyPreserved(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Options{})

	res, err := svc.Enqueue(context.Background(), EnqueueRequest{
		SenderID: "s", Destination: "d", Body: "hello", IdempotencyKey: "my-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "my-key", res.Message.IdempotencyKey)
}

func TestEnqueue_DuplicateReturnsExisting(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Options{})
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, EnqueueRequest{
		SenderID: "s", Destination: "d", Body: "hello", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	second, err := svc.Enqueue(ctx, EnqueueRequest{
		SenderID: "s", Destination: "d", Body: "hello", IdempotencyKey: "k",
	})
	require.NoError(t, err, "duplicate submit is a successful no-op")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Len(t, fs.enqueued, 1)
}

func TestDeriveKey_NormalizesWhitespace(t *testing.T) {
	now := time.Now()
	window := 2 * time.Minute

	a := deriveKey("s", "d", "hello   world", now, window)
	b := deriveKey("s", "d", "  hello world\n", now, window)
	assert.Equal(t, a, b, "reformatted bodies should dedupe together")

	c := deriveKey("s", "d", "hello there", now, window)
	assert.NotEqual(t, a, c, "different content must produce different keys")
}

func TestDeriveKey_TimeBucket(t *testing.T) {
	window := 2 * time.Minute
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	within := deriveKey("s", "d", "hi", base.Add(30*time.Second), window)
	sameBucket := deriveKey("s", "d", "hi", base.Add(90*time.Second), window)
	assert.Equal(t, within, sameBucket)

	nextBucket := deriveKey("s", "d", "hi", base.Add(3*time.Minute), window)
	assert.NotEqual(t, within, nextBucket, "a later bucket is a fresh message")
}

func TestDeriveKey_ScopedToSenderAndDestination(t *testing.T) {
	now := time.Now()
	window := 2 * time.Minute

	a := deriveKey("s1", "d", "hi", now, window)
	b := deriveKey("s2", "d", "hi", now, window)
	assert.NotEqual(t, a, b)

	c := deriveKey("s1", "d2", "hi", now, window)
	assert.NotEqual(t, a, c)
}

func TestDequeue_ClampsBatchSize(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Options{MaxBatch: 5})
	ctx := context.Background()

	_, _, err := svc.Dequeue(ctx, "s", 100)
	require.NoError(t, err)
	assert.Equal(t, 5, fs.leasePolicy.MaxBatch, "oversized request should clamp to policy max")

	_, _, err = svc.Dequeue(ctx, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, fs.leasePolicy.MaxBatch, "zero request should default to policy max")

	_, _, err = svc.Dequeue(ctx, "s", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.leasePolicy.MaxBatch)
}

func TestDequeue_PassesLeaseAndStalePolicy(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Options{LeaseDuration: time.Minute, StaleAge: time.Hour})

	_, _, err := svc.Dequeue(context.Background(), "s", 1)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, fs.leasePolicy.LeaseDuration)
	assert.Equal(t, time.Hour, fs.leasePolicy.StaleAge)
}

func TestWithContentionRetry_RetriesThenSucceeds(t *testing.T) {
	fs := newFakeStore()
	fs.leaseErrs = []error{store.ErrContention, store.ErrContention}
	svc := New(fs, Options{})

	_, _, err := svc.Dequeue(context.Background(), "s", 1)
	assert.NoError(t, err, "contention should be retried transparently")
}

func TestWithContentionRetry_GivesUpEventually(t *testing.T) {
	fs := newFakeStore()
	for i := 0; i < 10; i++ {
		fs.leaseErrs = append(fs.leaseErrs, store.ErrContention)
	}
	svc := New(fs, Options{})

	_, _, err := svc.Dequeue(context.Background(), "s", 1)
	assert.ErrorIs(t, err, store.ErrContention)
}

func TestWithContentionRetry_NonContentionErrorImmediate(t *testing.T) {
	fs := newFakeStore()
	boom := errors.New("boom")
	fs.leaseErrs = []error{boom}
	svc := New(fs, Options{})

	_, _, err := svc.Dequeue(context.Background(), "s", 1)
	assert.ErrorIs(t, err, boom)

	// Only the single scripted error was consumed; no retries happened.
	assert.Empty(t, fs.leaseErrs)
}

func TestReportOutcome_PassesRetryPolicy(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Options{})

	err := svc.ReportOutcome(context.Background(), "s", "m", "token", false, "failed")
	assert.NoError(t, err)
}
