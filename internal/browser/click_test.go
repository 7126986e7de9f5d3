package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/taxsync/internal/browser"
	"github.com/yourorg/taxsync/internal/browser/browsertest"
	"github.com/yourorg/taxsync/pkg/types"
)

func TestClickRetrierFallsBackToScripted(t *testing.T) {
	restore := browser.SetSleepForTest(func(context.Context, time.Duration) error { return nil })
	defer restore()

	f := browsertest.New()
	f.NativeFails["#go"] = -1
	r := browser.NewClickRetrier(5, time.Second, nil)

	err := r.Do(context.Background(), "go", func(ctx context.Context, mode browser.ClickMode) error {
		return f.Click(ctx, "#go", mode)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"native:#go", "scripted:#go"}, f.Clicks)
}

func TestClickRetrierBacksOffBetweenAttempts(t *testing.T) {
	var waits []time.Duration
	restore := browser.SetSleepForTest(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})
	defer restore()

	f := browsertest.New()
	f.NativeFails["#go"] = -1
	f.ScriptedFails["#go"] = 2
	r := browser.NewClickRetrier(5, time.Minute, nil)

	err := r.Do(context.Background(), "go", func(ctx context.Context, mode browser.ClickMode) error {
		return f.Click(ctx, "#go", mode)
	})
	require.NoError(t, err)
	assert.Len(t, f.Clicks, 6)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, waits)
}

func TestClickRetrierGivesUp(t *testing.T) {
	restore := browser.SetSleepForTest(func(context.Context, time.Duration) error { return nil })
	defer restore()

	f := browsertest.New()
	f.NativeFails["#go"] = -1
	f.ScriptedFails["#go"] = -1
	r := browser.NewClickRetrier(3, time.Minute, nil)

	err := r.Do(context.Background(), "go", func(ctx context.Context, mode browser.ClickMode) error {
		return f.Click(ctx, "#go", mode)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, browsertest.ErrIntercepted)
	assert.Len(t, f.Clicks, 6)
}

func TestClickRetrierReportsEachFailedAttempt(t *testing.T) {
	restore := browser.SetSleepForTest(func(context.Context, time.Duration) error { return nil })
	defer restore()

	f := browsertest.New()
	f.NativeFails["#go"] = -1
	f.ScriptedFails["#go"] = -1
	r := browser.NewClickRetrier(3, time.Minute, nil)
	var reported []int
	r.OnAttemptFailed = func(_ context.Context, attempt int, err error) {
		assert.ErrorIs(t, err, browsertest.ErrIntercepted)
		reported = append(reported, attempt)
	}

	err := r.Do(context.Background(), "go", func(ctx context.Context, mode browser.ClickMode) error {
		return f.Click(ctx, "#go", mode)
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, reported, "the last attempt is left to the caller")
}

func TestClickRetrierStopsOnBusyDriver(t *testing.T) {
	calls := 0
	r := browser.NewClickRetrier(5, time.Minute, nil)
	err := r.Do(context.Background(), "go", func(context.Context, browser.ClickMode) error {
		calls++
		return types.ErrDriverBusy
	})
	assert.ErrorIs(t, err, types.ErrDriverBusy)
	assert.Equal(t, 1, calls)
}

func TestClickRetrierHonoursBudget(t *testing.T) {
	r := browser.NewClickRetrier(5, 20*time.Millisecond, nil)
	err := r.Do(context.Background(), "go", func(ctx context.Context, _ browser.ClickMode) error {
		<-ctx.Done()
		return errors.New("overlay")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
