package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/queue"
	"github.com/songzhibin97/autoflow/rules"
	"github.com/songzhibin97/autoflow/types"
)

func TestValidationWorker_ReleasesKeyOnFinalFailure(t *testing.T) {
	ctx := context.Background()

	validateJob := func(f *deployFixture, attempt, max int) queue.Job {
		job := f.job
		job.Kind = queue.KindValidate
		job.Payload.Deploy = true
		job.Attempt = attempt
		job.MaxAttempts = max
		return job
	}

	t.Run("StorageFailureWithRetriesLeft", func(t *testing.T) {
		f := newDeployFixture(t)
		store := &failingStore{MemoryStorage: f.store, appendErr: errors.New("disk full")}
		w := NewValidationWorker(store, queue.NewInlineQueue(queue.WithLogger(quietLogger())), f.keyer, rules.NewExprChecker(), quietLogger())

		require.Error(t, w.Handle(ctx, validateJob(f, 1, 2)))
		assert.True(t, f.keyer.IsDuplicate(ctx, f.job.Payload.IdempotencyKey))
	})

	t.Run("StorageFailureOnFinalAttempt", func(t *testing.T) {
		f := newDeployFixture(t)
		store := &failingStore{MemoryStorage: f.store, appendErr: errors.New("disk full")}
		w := NewValidationWorker(store, queue.NewInlineQueue(queue.WithLogger(quietLogger())), f.keyer, rules.NewExprChecker(), quietLogger())

		require.Error(t, w.Handle(ctx, validateJob(f, 2, 2)))
		assert.False(t, f.keyer.IsDuplicate(ctx, f.job.Payload.IdempotencyKey))
		_, ok := f.keyer.GetResult(ctx, f.job.Payload.IdempotencyKey)
		assert.False(t, ok)
	})

	t.Run("EnqueueFailureOnFinalAttempt", func(t *testing.T) {
		f := newDeployFixture(t)
		// no deploy handler registered, so the follow-up enqueue fails
		q := queue.NewInlineQueue(queue.WithLogger(quietLogger()))
		w := NewValidationWorker(f.store, q, f.keyer, rules.NewExprChecker(), quietLogger())

		require.Error(t, w.Handle(ctx, validateJob(f, 1, 1)))
		assert.False(t, f.keyer.IsDuplicate(ctx, f.job.Payload.IdempotencyKey))

		logs := f.logs(t)
		require.Len(t, logs, 2)
		assert.Equal(t, types.StepValidationComplete, logs[1].StepName)
		assert.Equal(t, types.StatusDraft, f.record(t).Status)
	})

	t.Run("ValidateOnlyLeavesKeyAlone", func(t *testing.T) {
		f := newDeployFixture(t)
		store := &failingStore{MemoryStorage: f.store, appendErr: errors.New("disk full")}
		w := NewValidationWorker(store, queue.NewInlineQueue(queue.WithLogger(quietLogger())), f.keyer, rules.NewExprChecker(), quietLogger())

		job := validateJob(f, 1, 1)
		job.Payload.Deploy = false
		require.Error(t, w.Handle(ctx, job))
		assert.True(t, f.keyer.IsDuplicate(ctx, f.job.Payload.IdempotencyKey))
	})
}
