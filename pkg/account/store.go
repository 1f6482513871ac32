package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"bookfetch/pkg/config"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
)

// state is the persisted counter file. Quota counters must survive process
// restarts within the same day, otherwise a re-run could double an account's
// daily usage.
type state struct {
	Accounts  map[string]*Account `json:"accounts"`
	UpdatedAt time.Time           `json:"updated_at"`
	Version   int                 `json:"version"`
}

// Store holds the account pool and its quota counters
type Store struct {
	mu        sync.Mutex
	accounts  map[string]*Account
	order     []string
	statePath string
	logger    logger.Logger
}

// NewStore builds a store from the configured pool, merging any persisted
// counters from a previous run. Accounts removed from the config are dropped;
// new accounts start with zero usage.
func NewStore(configured []config.AccountConfig, statePath string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	s := &Store{
		accounts:  make(map[string]*Account, len(configured)),
		statePath: statePath,
		logger:    log,
	}

	today := time.Now().Format(DateFormat)
	for _, c := range configured {
		s.accounts[c.Email] = &Account{
			Email:             c.Email,
			MaxDailyDownloads: c.MaxDailyDownloads,
			DailyDownloads:    0,
			LastReset:         today,
		}
		s.order = append(s.order, c.Email)
	}
	// Stable selection order makes account rotation reproducible
	sort.Strings(s.order)

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load account state: %w", err)
	}

	return s, nil
}

// load merges persisted counters into the configured pool
func (s *Store) load() error {
	if s.statePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode account state: %w", err)
	}

	for email, saved := range st.Accounts {
		if acct, ok := s.accounts[email]; ok {
			acct.DailyDownloads = saved.DailyDownloads
			acct.LastReset = saved.LastReset
		}
	}

	s.logger.DebugWithFields("Account state loaded", map[string]interface{}{
		"path":     s.statePath,
		"accounts": len(st.Accounts),
	})

	return nil
}

// saveLocked persists the counters atomically. Callers must hold s.mu.
func (s *Store) saveLocked() error {
	if s.statePath == "" {
		return nil
	}

	st := state{
		Accounts:  s.accounts,
		UpdatedAt: time.Now(),
		Version:   1,
	}

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := s.statePath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&st); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode account state: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync state file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tempPath, s.statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// resetLocked applies the lazy daily reset rule to one account.
// Callers must hold s.mu.
func (s *Store) resetLocked(a *Account, now time.Time) {
	if !a.needsReset(now) {
		return
	}
	a.DailyDownloads = 0
	a.LastReset = now.Format(DateFormat)
	s.logger.DebugWithFields("Daily quota reset", map[string]interface{}{
		"account": a.Email,
		"date":    a.LastReset,
	})
}

// ListUsable applies the daily reset lazily, then returns accounts that still
// have quota today, in ascending id order. Returned values are copies.
func (s *Store) ListUsable(now time.Time) []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	var usable []Account
	var dirty bool
	for _, email := range s.order {
		a := s.accounts[email]
		if a.needsReset(now) {
			s.resetLocked(a, now)
			dirty = true
		}
		if a.Usable() {
			usable = append(usable, *a)
		}
	}

	if dirty {
		if err := s.saveLocked(); err != nil {
			s.logger.WithError(err).Warn("Failed to persist account state after reset")
		}
	}

	return usable
}

// RecordSuccess increments the daily counter for the account. The counter
// never exceeds the configured maximum: a success against an already-full
// account reports quota exhaustion instead of overshooting.
func (s *Store) RecordSuccess(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[email]
	if !ok {
		return errs.New(errs.ErrorTypeUnknownAccount, fmt.Sprintf("account %q not in store", email))
	}

	s.resetLocked(a, time.Now())
	if !a.Usable() {
		return errs.New(errs.ErrorTypeQuotaExhausted, fmt.Sprintf("account %q already at daily limit", email))
	}

	a.DailyDownloads++
	logger.LogQuota(a.Email, a.DailyDownloads, a.MaxDailyDownloads)

	return s.saveLocked()
}

// MarkExhausted forces the account's counter to its daily maximum. Used when
// the remote refuses a download for quota reasons before the local counter
// caught up; without the sync the account would keep getting selected.
func (s *Store) MarkExhausted(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[email]
	if !ok {
		return errs.New(errs.ErrorTypeUnknownAccount, fmt.Sprintf("account %q not in store", email))
	}

	s.resetLocked(a, time.Now())
	if a.DailyDownloads < a.MaxDailyDownloads {
		a.DailyDownloads = a.MaxDailyDownloads
		logger.LogQuota(a.Email, a.DailyDownloads, a.MaxDailyDownloads)
	}

	return s.saveLocked()
}

// RecordFailure notes a failed attempt. Failures never consume quota; the
// call only validates that the account exists.
func (s *Store) RecordFailure(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[email]; !ok {
		return errs.New(errs.ErrorTypeUnknownAccount, fmt.Sprintf("account %q not in store", email))
	}
	return nil
}

// Get returns a copy of one account
func (s *Store) Get(email string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[email]
	if !ok {
		return Account{}, errs.New(errs.ErrorTypeUnknownAccount, fmt.Sprintf("account %q not in store", email))
	}
	return *a, nil
}

// Snapshot returns copies of all accounts in selection order, with the daily
// reset applied. Used by the stats front end.
func (s *Store) Snapshot(now time.Time) []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Account, 0, len(s.order))
	for _, email := range s.order {
		a := s.accounts[email]
		s.resetLocked(a, now)
		out = append(out, *a)
	}
	return out
}
