package rotation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookfetch/pkg/account"
	"bookfetch/pkg/config"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
)

func newTestStore(t *testing.T, accounts ...config.AccountConfig) *account.Store {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "accounts.json")
	store, err := account.NewStore(accounts, statePath, logger.Nop())
	require.NoError(t, err)
	return store
}

func TestSelectSticky(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(3, 3, logger.Nop())
	now := time.Now()

	first, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", first.Email)

	// Under the threshold the same account keeps winning
	p.OnSuccess()
	p.OnSuccess()
	again, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, first.Email, again.Email)
}

func TestSelectRotatesAtThreshold(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(2, 3, logger.Nop())
	now := time.Now()

	first, err := p.Select(store, now)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", first.Email)

	p.OnSuccess()
	p.OnSuccess()

	next, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", next.Email)
	assert.Equal(t, 0, p.Snapshot().SuccessesSinceRotation)
}

func TestSelectCyclesThroughPool(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(2, 3, logger.Nop())
	now := time.Now()

	var used []string
	for i := 0; i < 6; i++ {
		a, err := p.Select(store, now)
		require.NoError(t, err)
		used = append(used, a.Email)
		p.OnSuccess()
	}

	assert.Equal(t, []string{
		"a@example.com", "a@example.com",
		"b@example.com", "b@example.com",
		"a@example.com", "a@example.com",
	}, used)
}

func TestSelectSkipsExhaustedAccount(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 1},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 5},
	)
	p := NewPolicy(10, 3, logger.Nop())
	now := time.Now()

	first, err := p.Select(store, now)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", first.Email)

	require.NoError(t, store.RecordSuccess("a@example.com"))
	p.OnSuccess()

	next, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", next.Email)
}

func TestSelectExhaustedPool(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 1},
	)
	require.NoError(t, store.RecordSuccess("a@example.com"))

	p := NewPolicy(3, 3, logger.Nop())
	_, err := p.Select(store, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNoAccountAvailable)
	assert.Equal(t, StateExhausted, p.Snapshot().State)
}

func TestFailureStreakForcesRotation(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(10, 3, logger.Nop())
	now := time.Now()

	first, err := p.Select(store, now)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", first.Email)

	p.OnFailure(errs.ErrorTypeTransient)
	p.OnFailure(errs.ErrorTypeTransient)
	p.OnFailure(errs.ErrorTypeTransient)

	next, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", next.Email)
}

func TestForcedRotationFallsBackToOnlyCandidate(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "solo@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(10, 2, logger.Nop())
	now := time.Now()

	_, err := p.Select(store, now)
	require.NoError(t, err)

	p.OnFailure(errs.ErrorTypeTransient)
	p.OnFailure(errs.ErrorTypeTransient)

	again, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "solo@example.com", again.Email)
}

func TestLockoutDisqualifiesImmediately(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(10, 3, logger.Nop())
	now := time.Now()

	first, err := p.Select(store, now)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", first.Email)

	p.OnFailure(errs.ErrorTypeAccountLocked)
	assert.True(t, p.Disqualified("a@example.com"))

	next, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", next.Email)

	// The lockout holds for the rest of the run even after b rotates out
	for i := 0; i < 20; i++ {
		a, err := p.Select(store, now)
		require.NoError(t, err)
		assert.Equal(t, "b@example.com", a.Email)
		p.OnSuccess()
	}
}

func TestAuthFailuresDisqualifyAtThreshold(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(10, 2, logger.Nop())
	now := time.Now()

	_, err := p.Select(store, now)
	require.NoError(t, err)

	p.OnFailure(errs.ErrorTypeAuth)
	assert.False(t, p.Disqualified("a@example.com"))
	p.OnFailure(errs.ErrorTypeAuth)
	assert.True(t, p.Disqualified("a@example.com"))

	next, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", next.Email)
}

func TestQuotaRefusalForcesRotation(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(10, 5, logger.Nop())
	now := time.Now()

	first, err := p.Select(store, now)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", first.Email)

	p.OnFailure(errs.ErrorTypeQuotaExhausted)

	next, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", next.Email)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	store := newTestStore(t,
		config.AccountConfig{Email: "a@example.com", MaxDailyDownloads: 10},
		config.AccountConfig{Email: "b@example.com", MaxDailyDownloads: 10},
	)
	p := NewPolicy(10, 3, logger.Nop())
	now := time.Now()

	_, err := p.Select(store, now)
	require.NoError(t, err)

	p.OnFailure(errs.ErrorTypeTransient)
	p.OnFailure(errs.ErrorTypeTransient)
	p.OnSuccess()
	p.OnFailure(errs.ErrorTypeTransient)

	again, err := p.Select(store, now)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", again.Email)
}
