package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"bookfetch/pkg/account"
	"bookfetch/pkg/engine"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
	"bookfetch/pkg/queue"
	"bookfetch/pkg/ratelimit"
	"bookfetch/pkg/retry"
	"bookfetch/pkg/session"
	"bookfetch/pkg/storage"
)

// Result aggregates what a pool run achieved
type Result struct {
	Done    int
	Failed  int
	Skipped int
	// Requeued counts items put back for a later run because their worker
	// retired (quota spent, account broken)
	Requeued int
}

// Pool runs one worker per usable account, each pulling items from the
// shared queue. Account ownership replaces rotation: a worker only ever
// downloads with its own account, and retires when the account is spent
// or broken. Queue claims are serialized so no item is processed twice.
type Pool struct {
	accounts *account.Store
	queue    *queue.Queue
	provider session.Provider
	retry    *retry.Policy
	storage  *storage.Manager
	limiter  ratelimit.Limiter
	transfer engine.TransferFunc
	fileName engine.FileNameFunc
	minSize  int64
	maxSize  int64
	logger   logger.Logger

	claimMu sync.Mutex
	mu      sync.Mutex
	result  Result
	wg      sync.WaitGroup
}

// Options wires the pool's collaborators. The zero limiter disables
// pacing; the limiter is shared across workers so the pool as a whole
// honors the request budget.
type Options struct {
	Accounts    *account.Store
	Queue       *queue.Queue
	Sessions    session.Provider
	Retry       *retry.Policy
	Storage     *storage.Manager
	Limiter     ratelimit.Limiter
	Transfer    engine.TransferFunc
	FileName    engine.FileNameFunc
	MinFileSize int64
	MaxFileSize int64
	Logger      logger.Logger
}

// NewPool creates a worker pool
func NewPool(opts Options) (*Pool, error) {
	if opts.Accounts == nil || opts.Queue == nil || opts.Sessions == nil ||
		opts.Retry == nil || opts.Transfer == nil {
		return nil, errors.New("worker: missing required collaborator")
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
	return &Pool{
		accounts: opts.Accounts,
		queue:    opts.Queue,
		provider: opts.Sessions,
		retry:    opts.Retry,
		storage:  opts.Storage,
		limiter:  opts.Limiter,
		transfer: opts.Transfer,
		fileName: fileName,
		minSize:  opts.MinFileSize,
		maxSize:  opts.MaxFileSize,
		logger:   log,
	}, nil
}

// Run starts one worker per usable account, capped at maxWorkers when
// positive, and blocks until the queue is drained or every worker retired
func (p *Pool) Run(ctx context.Context, maxWorkers int) (*Result, error) {
	usable := p.accounts.ListUsable(time.Now())
	if len(usable) == 0 {
		return &Result{}, errs.ErrNoAccountAvailable
	}
	if maxWorkers > 0 && len(usable) > maxWorkers {
		usable = usable[:maxWorkers]
	}

	p.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": len(usable),
	})

	for _, acct := range usable {
		p.wg.Add(1)
		go p.worker(ctx, acct.Email)
	}
	p.wg.Wait()

	p.mu.Lock()
	result := p.result
	p.mu.Unlock()

	p.logger.InfoWithFields("Worker pool finished", map[string]interface{}{
		"done":     result.Done,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"requeued": result.Requeued,
	})

	return &result, ctx.Err()
}

// worker drains the queue with one account until the account retires or
// no work remains
func (p *Pool) worker(ctx context.Context, email string) {
	defer p.wg.Done()

	log := p.logger.WithField("account", email)
	var sess *session.Session

	for {
		if ctx.Err() != nil {
			return
		}

		acct, err := p.accounts.Get(email)
		if err != nil || !acct.Usable() {
			log.Debug("Worker retiring, account spent")
			return
		}

		item, err := p.claimNext(ctx)
		if errors.Is(err, queue.ErrNotFound) {
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to claim item")
			return
		}

		if p.storage != nil && p.storage.IsDownloaded(p.fileName(item)) {
			if err := p.queue.MarkSkipped(ctx, item.ID); err != nil {
				log.WithError(err).Warn("Failed to mark item skipped")
				p.requeue(item.ID)
				p.count(func(r *Result) { r.Requeued++ })
				continue
			}
			p.count(func(r *Result) { r.Skipped++ })
			continue
		}

		if sess == nil {
			sess, err = p.provider.Acquire(ctx, acct)
			if err != nil {
				p.requeue(item.ID)
				p.count(func(r *Result) { r.Requeued++ })
				log.WithError(err).Warn("Worker retiring, login failed")
				return
			}
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.requeue(item.ID)
				p.count(func(r *Result) { r.Requeued++ })
				return
			}
		}

		retired := p.process(ctx, sess, item, email, log)
		if retired {
			return
		}
	}
}

// process settles one claimed item and reports whether the worker should
// retire
func (p *Pool) process(ctx context.Context, sess *session.Session, item *queue.Item, email string, log logger.Logger) bool {
	filename, size, err := p.transfer(ctx, sess, item)
	if err == nil {
		err = p.validateSize(filename, size)
	}

	if err == nil {
		if rerr := p.accounts.RecordSuccess(email); rerr != nil {
			log.WithError(rerr).Warn("Quota accounting after successful transfer")
		}
		// An unpersisted completion must not count as done, or the item
		// would be re-downloaded next run
		if merr := p.queue.MarkDone(ctx, item.ID, email); merr != nil {
			log.WithError(merr).Error("Failed to record completed item")
			p.requeue(item.ID)
			p.count(func(r *Result) { r.Requeued++ })
			return false
		}
		logger.LogTransfer(item.ID, email, true, size, nil)
		p.count(func(r *Result) { r.Done++ })
		return false
	}

	logger.LogTransfer(item.ID, email, false, 0, err)

	switch retry.Classify(err) {
	case retry.ClassQuotaExhausted:
		if merr := p.accounts.MarkExhausted(email); merr != nil {
			log.WithError(merr).Warn("Failed to mark account exhausted")
		}
		p.requeue(item.ID)
		p.count(func(r *Result) { r.Requeued++ })
		return true

	case retry.ClassAuthFailure:
		p.requeue(item.ID)
		p.count(func(r *Result) { r.Requeued++ })
		log.Warn("Worker retiring, account rejected")
		return true

	case retry.ClassPermanent:
		p.requeue(item.ID)
		p.count(func(r *Result) { r.Requeued++ })
		return true

	default: // transient: give the item back, the attempt is already counted
		if p.retry.ShouldRetry(item.Attempts, retry.ClassTransient) {
			if werr := retry.Wait(ctx, p.retry.Delay(item.Attempts)); werr != nil {
				p.requeue(item.ID)
				return true
			}
			p.requeue(item.ID)
		} else {
			if merr := p.queue.MarkFailed(ctx, item.ID, err.Error()); merr != nil {
				log.WithError(merr).Error("Failed to mark item failed")
			}
			p.count(func(r *Result) { r.Failed++ })
		}
		return false
	}
}

// claimNext atomically takes the oldest pending item. The serialization
// keeps two workers from racing on the same row.
func (p *Pool) claimNext(ctx context.Context) (*queue.Item, error) {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	item, err := p.queue.NextPending(ctx)
	if err != nil {
		return nil, err
	}
	return p.queue.MarkInProgress(ctx, item.ID)
}

func (p *Pool) validateSize(filename string, size int64) error {
	if size >= p.minSize && (p.maxSize == 0 || size <= p.maxSize) {
		return nil
	}
	if p.storage != nil {
		if err := p.storage.Remove(filename); err != nil {
			p.logger.WithError(err).Warn("Failed to discard invalid download")
		}
	}
	return errs.New(errs.ErrorTypeValidation, "file size outside bounds")
}

func (p *Pool) requeue(id string) {
	if err := p.queue.Requeue(context.Background(), id); err != nil {
		p.logger.WithError(err).WithField("item", id).Warn("Failed to requeue item")
	}
}

func (p *Pool) count(update func(*Result)) {
	p.mu.Lock()
	update(&p.result)
	p.mu.Unlock()
}
