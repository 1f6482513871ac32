package rotation

import (
	"time"

	"bookfetch/pkg/account"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
)

// State is the rotation state machine's current phase
type State int

const (
	// StateNoActiveAccount means the next Select must pick an account
	StateNoActiveAccount State = iota
	// StateActive means an account is selected and sticky
	StateActive
	// StateExhausted means no usable account remains for this run
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExhausted:
		return "exhausted"
	default:
		return "no_active_account"
	}
}

// Policy decides which account each transfer uses and when to switch.
// Selection is sticky: the active account is reused until the rotation
// threshold of successes is reached, a failure streak forces a switch, or
// the account runs out of quota. Stickiness keeps login churn down; the
// threshold spreads load so no single identity draws rate limits.
type Policy struct {
	rotationThreshold int
	failureThreshold  int

	state                  State
	activeID               string
	successesSinceRotation int
	consecutiveFailures    int
	forceRotate            bool

	// per-run disqualification, survives rotation
	disqualified map[string]bool
	authFailures map[string]int

	logger logger.Logger
}

// Snapshot is a read-only view of the rotation state
type Snapshot struct {
	State                  State
	ActiveID               string
	SuccessesSinceRotation int
	ConsecutiveFailures    int
	Disqualified           []string
}

// NewPolicy creates a rotation policy with the given thresholds
func NewPolicy(rotationThreshold, failureThreshold int, log logger.Logger) *Policy {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Policy{
		rotationThreshold: rotationThreshold,
		failureThreshold:  failureThreshold,
		state:             StateNoActiveAccount,
		disqualified:      make(map[string]bool),
		authFailures:      make(map[string]int),
		logger:            log,
	}
}

// Select returns the account the next transfer should use. The active account
// is returned again while it stays usable and under the rotation threshold;
// otherwise the first usable, non-disqualified account takes over. When no
// candidate remains the policy transitions to exhausted and reports
// ErrNoAccountAvailable.
func (p *Policy) Select(store *account.Store, now time.Time) (account.Account, error) {
	usable := store.ListUsable(now)

	// Sticky path: keep the active account while it is still a candidate
	if p.state == StateActive && !p.forceRotate && p.successesSinceRotation < p.rotationThreshold {
		if a, ok := findUsable(usable, p.activeID); ok && !p.disqualified[p.activeID] {
			return a, nil
		}
	}

	// Rotation: first usable account in stable order. Rotating away from an
	// active account, whether forced or threshold-driven, prefers a different
	// one; falling back to the current account is allowed when it is the only
	// candidate left.
	rotatingAway := p.forceRotate || p.state == StateActive
	var fallback *account.Account
	for i := range usable {
		a := usable[i]
		if p.disqualified[a.Email] {
			continue
		}
		if rotatingAway && a.Email == p.activeID {
			fallback = &usable[i]
			continue
		}
		p.activate(a.Email)
		return a, nil
	}
	if fallback != nil {
		p.activate(fallback.Email)
		return *fallback, nil
	}

	p.state = StateExhausted
	p.activeID = ""
	p.logger.Warn("No usable account remains in rotation")
	return account.Account{}, errs.ErrNoAccountAvailable
}

// activate switches the active account and resets the per-account counters
func (p *Policy) activate(email string) {
	if p.activeID != email {
		logger.LogRotation(p.activeID, email, "selection")
	}
	p.activeID = email
	p.state = StateActive
	p.successesSinceRotation = 0
	p.consecutiveFailures = 0
	p.forceRotate = false
}

// OnSuccess records a successful transfer on the active account
func (p *Policy) OnSuccess() {
	p.successesSinceRotation++
	p.consecutiveFailures = 0
	if p.activeID != "" {
		p.authFailures[p.activeID] = 0
	}
}

// OnFailure records a failed attempt and its classified type. Lockouts
// disqualify the active account immediately; repeated authentication
// failures disqualify it after the failure threshold; quota refusals and
// failure streaks force a rotation on the next Select.
func (p *Policy) OnFailure(t errs.ErrorType) {
	p.consecutiveFailures++

	switch t {
	case errs.ErrorTypeAccountLocked:
		p.disqualify(p.activeID, "locked by remote")
	case errs.ErrorTypeAuth:
		if p.activeID != "" {
			p.authFailures[p.activeID]++
			if p.authFailures[p.activeID] >= p.failureThreshold {
				p.disqualify(p.activeID, "repeated authentication failures")
			} else {
				p.forceRotate = true
			}
		}
	case errs.ErrorTypeQuotaExhausted:
		p.forceRotate = true
	}

	if p.consecutiveFailures >= p.failureThreshold {
		p.forceRotate = true
	}
}

// disqualify removes an account from this run's candidates
func (p *Policy) disqualify(email, reason string) {
	if email == "" || p.disqualified[email] {
		return
	}
	p.disqualified[email] = true
	p.logger.WarnWithFields("Account disqualified for this run", map[string]interface{}{
		"account": email,
		"reason":  reason,
	})
	if email == p.activeID {
		p.state = StateNoActiveAccount
		p.forceRotate = true
	}
}

// Disqualified reports whether the account is out of this run's rotation
func (p *Policy) Disqualified(email string) bool {
	return p.disqualified[email]
}

// Snapshot returns a read-only view of the rotation state
func (p *Policy) Snapshot() Snapshot {
	var dq []string
	for email := range p.disqualified {
		dq = append(dq, email)
	}
	return Snapshot{
		State:                  p.state,
		ActiveID:               p.activeID,
		SuccessesSinceRotation: p.successesSinceRotation,
		ConsecutiveFailures:    p.consecutiveFailures,
		Disqualified:           dq,
	}
}

func findUsable(usable []account.Account, email string) (account.Account, bool) {
	for _, a := range usable {
		if a.Email == email {
			return a, true
		}
	}
	return account.Account{}, false
}
