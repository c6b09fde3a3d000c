package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/taginventory/internal/errs"
)

func instant(p Policy) Policy {
	p.Sleep = NoSleep
	return p
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	p := instant(SearchPolicy(time.Millisecond, time.Millisecond))

	attempts, err := p.Do(context.Background(), "test", func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ThrottledExhaustsThreeAttempts(t *testing.T) {
	p := instant(SearchPolicy(time.Millisecond, time.Millisecond))
	calls := 0

	attempts, err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errs.E(errs.Throttled)
	})

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Throttled))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_IndexUnavailableRetriedOnce(t *testing.T) {
	p := instant(SearchPolicy(time.Millisecond, time.Millisecond))
	calls := 0

	attempts, err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errs.E(errs.IndexUnavailable)
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestDo_RecoversAfterThrottle(t *testing.T) {
	p := instant(SearchPolicy(time.Millisecond, time.Millisecond))
	calls := 0

	attempts, err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.E(errs.Throttled)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_UnclassifiedNotRetried(t *testing.T) {
	p := instant(WritePolicy(time.Millisecond, time.Millisecond))
	calls := 0

	_, err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CredentialDeniedNotRetried(t *testing.T) {
	p := instant(WritePolicy(time.Millisecond, time.Millisecond))
	calls := 0

	_, err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errs.E(errs.CredentialDenied)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	p := SearchPolicy(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := p.Do(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return errs.E(errs.Throttled)
	})

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Throttled))
	assert.Equal(t, 1, calls)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}

	for i := 0; i < 20; i++ {
		first := p.Backoff(1)
		assert.GreaterOrEqual(t, first, 50*time.Millisecond)
		assert.LessOrEqual(t, first, 100*time.Millisecond)

		second := p.Backoff(2)
		assert.GreaterOrEqual(t, second, 100*time.Millisecond)
		assert.LessOrEqual(t, second, 200*time.Millisecond)

		capped := p.Backoff(10)
		assert.GreaterOrEqual(t, capped, 200*time.Millisecond)
		assert.LessOrEqual(t, capped, 400*time.Millisecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	p := Policy{}
	d := p.Backoff(1)
	assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	assert.LessOrEqual(t, d, time.Second)
}
