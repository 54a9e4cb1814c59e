package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(10))
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestPolicy_Budget(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	// 1s + 2s + 4s + 5s
	assert.Equal(t, 12*time.Second, p.Budget())

	p.MaxAttempts = 1
	assert.Zero(t, p.Budget())
}

func TestPolicy_Normalize(t *testing.T) {
	p := Policy{}.Normalize()
	assert.Equal(t, DefaultPolicy(), p)

	p = Policy{MaxAttempts: 1, BaseDelay: time.Minute, Multiplier: 3, MaxDelay: time.Second}.Normalize()
	assert.Equal(t, time.Minute, p.MaxDelay)
}

func TestPolicy_Do_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Do_RetriesTransient(t *testing.T) {
	var attempts []int
	var notified []int

	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return domain.Transient(domain.StageInstall, errors.New("ECONNRESET"))
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestPolicy_Do_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := domain.Transient(domain.StageBuild, errors.New("flaky"))

	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return transient
	}, nil)

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, transient)
}

func TestPolicy_Do_FatalStopsImmediately(t *testing.T) {
	calls := 0
	fatal := domain.Fatal(domain.StageClone, errors.New("repository not found"))

	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	}, nil)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}

func TestPolicy_Do_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			return domain.Transient(domain.StageVerify, errors.New("connection refused"))
		}, nil)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestPolicy_NewBackOff_Grows(t *testing.T) {
	b := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}.NewBackOff()

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
}

func TestPolicy_DoIf_CustomPredicate(t *testing.T) {
	unavailable := errors.New("store unavailable")
	calls := 0

	err := fastPolicy(3).DoIf(context.Background(), func(err error) bool {
		return errors.Is(err, unavailable)
	}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return unavailable
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
