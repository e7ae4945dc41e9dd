package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"storefront-ledger/internal/ledger"
)

// ReconcileResult summarizes one pass over every card.
type ReconcileResult struct {
	StartedAt time.Time     `json:"started_at"`
	Accounts  int           `json:"accounts"`
	Broken    []ChainReport `json:"broken,omitempty"`
	// Skipped lists cards that kept changing during verification.
	Skipped []string `json:"skipped,omitempty"`
}

// Reconciler periodically verifies every card's transaction chain and logs breaks.
// It only reads; fixing a broken chain is an operator decision.
type Reconciler struct {
	svc   *Service
	log   *slog.Logger
	cron  *cron.Cron
	clock func() time.Time

	mu   sync.Mutex
	last ReconcileResult
}

// NewReconciler schedules RunOnce with a standard cron expression or descriptor such as "@every 1h".
// An empty schedule leaves only manual RunOnce calls.
func NewReconciler(svc *Service, schedule string, log *slog.Logger) (*Reconciler, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{svc: svc, log: log, clock: time.Now}
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if schedule == "" {
		return r, nil
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.log.Error("ledger reconcile failed", "err", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reconciler) Start() { r.cron.Start() }

// Stop halts scheduling and waits for a running pass to finish or ctx to end.
func (r *Reconciler) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce verifies every card now.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	res := ReconcileResult{StartedAt: r.clock().UTC()}
	accounts, err := r.svc.reader.ListAccounts(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	for _, a := range accounts {
		rep, err := r.svc.VerifyChain(ctx, a.ID)
		if ledger.IsRetryable(err) {
			r.log.Warn("ledger chain busy, skipped", "account_id", a.ID)
			res.Skipped = append(res.Skipped, a.ID)
			continue
		}
		if err != nil {
			return ReconcileResult{}, err
		}
		res.Accounts++
		if !rep.OK() {
			res.Broken = append(res.Broken, rep)
			r.log.Warn("ledger chain broken", "account_id", a.ID, "breaks", len(rep.Breaks), "first", rep.Breaks[0].Detail)
		}
	}
	r.log.Info("ledger reconcile done", "accounts", res.Accounts, "broken", len(res.Broken), "skipped", len(res.Skipped))

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
	return res, nil
}

// Last returns the most recent completed pass.
func (r *Reconciler) Last() ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
