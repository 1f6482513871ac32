package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bookfetch/pkg/account"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
	"bookfetch/pkg/queue"
	"bookfetch/pkg/ratelimit"
	"bookfetch/pkg/retry"
	"bookfetch/pkg/rotation"
	"bookfetch/pkg/session"
	"bookfetch/pkg/storage"
)

// TransferFunc downloads one item through a session and returns the stored
// file name and its size in bytes
type TransferFunc func(ctx context.Context, sess *session.Session, item *queue.Item) (string, int64, error)

// FileNameFunc returns the on-disk name an item would be stored under,
// used for the pre-transfer duplicate check
type FileNameFunc func(item *queue.Item) string

// Outcome is what happened to one item during a run
type Outcome string

const (
	OutcomeDone           Outcome = "done"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	OutcomeAborted        Outcome = "aborted"
)

// ItemResult reports one processed item to the progress callback
type ItemResult struct {
	Item    queue.Item
	Outcome Outcome
	Err     error
}

// Summary is the terminal report of a run
type Summary struct {
	RunID   string
	Done    int
	Failed  int
	Skipped int
	Pending int
	// QuotaExhausted marks the normal incomplete ending: items remain but
	// every account is spent for today
	QuotaExhausted bool
}

// Complete reports whether the run drained the queue
func (s *Summary) Complete() bool {
	return s.Pending == 0
}

// Options wires the engine's collaborators
type Options struct {
	Accounts *account.Store
	Queue    *queue.Queue
	Sessions session.Provider
	Rotation *rotation.Policy
	Retry    *retry.Policy
	Storage  *storage.Manager
	// Limiter paces transfers; nil disables pacing
	Limiter  ratelimit.Limiter
	Transfer TransferFunc
	FileName FileNameFunc
	// MinFileSize and MaxFileSize bound valid downloads; a file outside
	// the bounds is discarded and the attempt fails. MaxFileSize zero
	// means unbounded.
	MinFileSize int64
	MaxFileSize int64
	// OnItem is called after each item settles; nil disables reporting
	OnItem func(ItemResult)
	Logger logger.Logger
}

// Engine drains the download queue, rotating accounts and retrying
// failures. It processes items sequentially; pacing, rotation and retry
// decisions all hang off one loop so their interplay stays observable.
type Engine struct {
	accounts *account.Store
	queue    *queue.Queue
	provider session.Provider
	rotation *rotation.Policy
	retry    *retry.Policy
	storage  *storage.Manager
	limiter  ratelimit.Limiter
	transfer TransferFunc
	fileName FileNameFunc
	minSize  int64
	maxSize  int64
	onItem   func(ItemResult)
	logger   logger.Logger

	// sessions are cached per account for the run; a rotation back to an
	// account reuses its session instead of logging in again
	sessions map[string]*session.Session
}

// New creates an engine from its collaborators
func New(opts Options) (*Engine, error) {
	if opts.Accounts == nil || opts.Queue == nil || opts.Sessions == nil ||
		opts.Rotation == nil || opts.Retry == nil || opts.Transfer == nil {
		return nil, errors.New("engine: missing required collaborator")
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	fileName := opts.FileName
	if fileName == nil {
		fileName = func(item *queue.Item) string {
			return storage.FileName(item.Title, item.Author, ".epub")
		}
	}
	return &Engine{
		accounts: opts.Accounts,
		queue:    opts.Queue,
		provider: opts.Sessions,
		rotation: opts.Rotation,
		retry:    opts.Retry,
		storage:  opts.Storage,
		limiter:  opts.Limiter,
		transfer: opts.Transfer,
		fileName: fileName,
		minSize:  opts.MinFileSize,
		maxSize:  opts.MaxFileSize,
		onItem:   opts.OnItem,
		logger:   log,
		sessions: make(map[string]*session.Session),
	}, nil
}

// Run drains the queue until it is empty, every account is spent, or the
// context is cancelled. The summary is returned in every case; the error
// is non-nil only for cancellation and internal defects, never for the
// ordinary quota-exhausted ending.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}

	e.logger.InfoWithFields("Run started", map[string]interface{}{
		"run_id": summary.RunID,
	})

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		item, err := e.queue.NextPending(ctx)
		if errors.Is(err, queue.ErrNotFound) {
			break
		}
		if err != nil {
			runErr = fmt.Errorf("failed to fetch next item: %w", err)
			break
		}

		outcome, err := e.processItem(ctx, item)
		e.report(item, outcome, err)

		switch outcome {
		case OutcomeDone:
			summary.Done++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeQuotaExhausted:
			summary.QuotaExhausted = true
		case OutcomeAborted:
			runErr = err
		}
		if summary.QuotaExhausted || outcome == OutcomeAborted {
			break
		}
	}

	e.finishSummary(ctx, summary)
	return summary, runErr
}

// RunOne processes a single item by id. Items already done or skipped are
// left alone; failed and stale in-progress items are given a fresh chance
// first.
func (e *Engine) RunOne(ctx context.Context, id string) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}

	item, err := e.queue.Get(ctx, id)
	if err != nil {
		return summary, err
	}

	switch item.Status {
	case queue.StatusDone, queue.StatusSkipped:
		summary.Skipped++
		e.finishSummary(ctx, summary)
		return summary, nil
	case queue.StatusFailed, queue.StatusInProgress:
		if err := e.queue.Requeue(ctx, id); err != nil {
			return summary, err
		}
		item, err = e.queue.Get(ctx, id)
		if err != nil {
			return summary, err
		}
	}

	outcome, perr := e.processItem(ctx, item)
	e.report(item, outcome, perr)

	switch outcome {
	case OutcomeDone:
		summary.Done++
	case OutcomeFailed:
		summary.Failed++
	case OutcomeSkipped:
		summary.Skipped++
	case OutcomeQuotaExhausted:
		summary.QuotaExhausted = true
	case OutcomeAborted:
		e.finishSummary(ctx, summary)
		return summary, perr
	}

	e.finishSummary(ctx, summary)
	return summary, nil
}

// processItem drives one item to a settled state. Rotation happens inside
// this loop: account trouble switches accounts and tries the same item
// again without consuming its attempt budget.
func (e *Engine) processItem(ctx context.Context, item *queue.Item) (Outcome, error) {
	// Idempotent resume: a file already on disk settles the item without
	// spending any quota
	if e.storage != nil && e.storage.IsDownloaded(e.fileName(item)) {
		if err := e.queue.MarkSkipped(ctx, item.ID); err != nil {
			return OutcomeAborted, err
		}
		return OutcomeSkipped, nil
	}

	claimed, err := e.queue.MarkInProgress(ctx, item.ID)
	if err != nil {
		return OutcomeAborted, fmt.Errorf("failed to claim item %s: %w", item.ID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			e.requeue(claimed.ID)
			return OutcomeAborted, err
		}

		acct, err := e.rotation.Select(e.accounts, time.Now())
		if err != nil {
			// Out of accounts: the item goes back to pending untouched so
			// tomorrow's run picks it up
			e.requeue(claimed.ID)
			return OutcomeQuotaExhausted, err
		}

		sess, err := e.sessionFor(ctx, acct)
		if err == nil {
			if e.limiter != nil {
				if werr := e.limiter.Wait(ctx); werr != nil {
					e.requeue(claimed.ID)
					return OutcomeAborted, werr
				}
			}

			var filename string
			var size int64
			filename, size, err = e.transfer(ctx, sess, claimed)
			if err == nil {
				err = e.validateSize(filename, size)
			}
			if err == nil {
				return e.settleSuccess(ctx, claimed, acct.Email, size)
			}
		}

		// Failure path, shared between login and transfer errors
		outcome, settled, serr := e.settleFailure(ctx, claimed, acct.Email, err)
		if settled {
			return outcome, serr
		}
		// Re-claim before a same-item retry so the attempt is counted
		if serr != nil {
			var cerr error
			claimed, cerr = e.queue.MarkInProgress(ctx, claimed.ID)
			if cerr != nil {
				return OutcomeAborted, fmt.Errorf("failed to reclaim item %s: %w", item.ID, cerr)
			}
		}
	}
}

// validateSize enforces the download size bounds, discarding the file when
// it falls outside them
func (e *Engine) validateSize(filename string, size int64) error {
	if size >= e.minSize && (e.maxSize == 0 || size <= e.maxSize) {
		return nil
	}
	if e.storage != nil {
		if err := e.storage.Remove(filename); err != nil {
			e.logger.WithError(err).Warn("Failed to discard invalid download")
		}
	}
	return errs.New(errs.ErrorTypeValidation,
		fmt.Sprintf("file size %d outside bounds [%d, %d]", size, e.minSize, e.maxSize))
}

func (e *Engine) settleSuccess(ctx context.Context, item *queue.Item, email string, size int64) (Outcome, error) {
	if err := e.accounts.RecordSuccess(email); err != nil {
		if errs.Is(err, errs.ErrorTypeUnknownAccount) {
			// Configuration defect, nothing sane left to do
			e.requeue(item.ID)
			return OutcomeAborted, err
		}
		e.logger.WithError(err).Warn("Quota accounting after successful transfer")
	}
	e.rotation.OnSuccess()

	if err := e.queue.MarkDone(ctx, item.ID, email); err != nil {
		return OutcomeAborted, err
	}
	logger.LogTransfer(item.ID, email, true, size, nil)
	return OutcomeDone, nil
}

// settleFailure classifies one failed attempt. The returned bool reports
// whether the item settled; when false the caller loops for another go,
// and a non-nil error alongside false means the next go is a real retry
// that must be re-claimed and counted.
func (e *Engine) settleFailure(ctx context.Context, item *queue.Item, email string, err error) (Outcome, bool, error) {
	t := errs.TypeOf(err)
	logger.LogTransfer(item.ID, email, false, 0, err)

	if rerr := e.accounts.RecordFailure(email); rerr != nil && errs.Is(rerr, errs.ErrorTypeUnknownAccount) {
		e.requeue(item.ID)
		return OutcomeAborted, true, rerr
	}
	e.rotation.OnFailure(t)

	switch retry.Classify(err) {
	case retry.ClassQuotaExhausted:
		// Sync the local counter so the account drops out of selection
		if t == errs.ErrorTypeQuotaExhausted {
			if merr := e.accounts.MarkExhausted(email); merr != nil {
				e.logger.WithError(merr).Warn("Failed to mark account exhausted")
			}
		}
		delete(e.sessions, email)
		return "", false, nil

	case retry.ClassAuthFailure:
		delete(e.sessions, email)
		return "", false, nil

	case retry.ClassPermanent:
		if errs.Is(err, errs.ErrorTypeUnknownAccount) {
			e.requeue(item.ID)
			return OutcomeAborted, true, err
		}
		if cerr := ctx.Err(); cerr != nil {
			e.requeue(item.ID)
			return OutcomeAborted, true, cerr
		}
		if merr := e.queue.MarkFailed(ctx, item.ID, err.Error()); merr != nil {
			return OutcomeAborted, true, merr
		}
		return OutcomeFailed, true, nil

	default: // transient
		if !e.retry.ShouldRetry(item.Attempts, retry.ClassTransient) {
			if merr := e.queue.MarkFailed(ctx, item.ID, err.Error()); merr != nil {
				return OutcomeAborted, true, merr
			}
			return OutcomeFailed, true, nil
		}
		delay := e.retry.Delay(item.Attempts)
		e.logger.DebugWithFields("Backing off before retry", map[string]interface{}{
			"item":     item.ID,
			"attempts": item.Attempts,
			"delay_ms": delay.Milliseconds(),
		})
		if werr := retry.Wait(ctx, delay); werr != nil {
			e.requeue(item.ID)
			return OutcomeAborted, true, werr
		}
		return "", false, err
	}
}

// sessionFor returns the cached session for the account, logging in when
// there is none yet
func (e *Engine) sessionFor(ctx context.Context, acct account.Account) (*session.Session, error) {
	if sess, ok := e.sessions[acct.Email]; ok {
		return sess, nil
	}
	sess, err := e.provider.Acquire(ctx, acct)
	if err != nil {
		return nil, err
	}
	e.sessions[acct.Email] = sess
	return sess, nil
}

// requeue is the best-effort return of an unsettled item to pending
func (e *Engine) requeue(id string) {
	if err := e.queue.Requeue(context.Background(), id); err != nil {
		e.logger.WithError(err).WithField("item", id).Warn("Failed to requeue item")
	}
}

func (e *Engine) report(item *queue.Item, outcome Outcome, err error) {
	if e.onItem == nil || outcome == "" {
		return
	}
	e.onItem(ItemResult{Item: *item, Outcome: outcome, Err: err})
}

// finishSummary fills in the pending count from the queue. A fresh context
// is used so a cancelled run still reports accurate counts.
func (e *Engine) finishSummary(_ context.Context, s *Summary) {
	stats, err := e.queue.Stats(context.Background())
	if err != nil {
		e.logger.WithError(err).Warn("Failed to read queue stats")
		return
	}
	s.Pending = stats[queue.StatusPending] + stats[queue.StatusInProgress]

	e.logger.InfoWithFields("Run finished", map[string]interface{}{
		"run_id":          s.RunID,
		"done":            s.Done,
		"failed":          s.Failed,
		"skipped":         s.Skipped,
		"pending":         s.Pending,
		"quota_exhausted": s.QuotaExhausted,
	})
}
