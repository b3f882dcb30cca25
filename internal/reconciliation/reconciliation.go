// Package reconciliation checks stored balances against the transaction log.
//
// Every bucket movement is recorded as exactly one log entry, so replaying a
// user's entries from zero must reproduce the stored account. Deposits and
// withdrawals are the only entries that change the total held by the
// platform, which gives the conservation check.
package reconciliation

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/money"
	"github.com/shopspring/decimal"
)

// historyPageSize is the number of log entries fetched per store round trip.
const historyPageSize = 500

// maxStableReads bounds re-reads of an account that changes while its
// history is being replayed.
const maxStableReads = 3

// AccountLister returns every stored account.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*ledger.Account, error)
}

// Snapshotter is implemented by account listers that can read every
// account and the log's deposit and withdrawal totals in one consistent
// view. Both stores do.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*ledger.Snapshot, error)
}

// HistorySource yields a user's transaction log entries. ledger.Service
// satisfies it.
type HistorySource interface {
	History(ctx context.Context, userID int64, pageSize int) iter.Seq2[*ledger.Transaction, error]
	Balance(ctx context.Context, userID int64) (*ledger.Balances, error)
}

// AccountResult is the outcome of replaying one account.
type AccountResult struct {
	UserID   int64            `json:"userId"`
	Match    bool             `json:"match"`
	Entries  int              `json:"entries"`
	Stored   *ledger.Balances `json:"stored"`
	Replayed *ledger.Balances `json:"replayed"`
}

// ConservationResult compares the sum of all buckets with net external flows.
type ConservationResult struct {
	Match     bool   `json:"match"`
	Available string `json:"available"`
	InEscrow  string `json:"inEscrow"`
	Pending   string `json:"pending"`
	Total     string `json:"total"`
	Deposited string `json:"deposited"`
	Withdrawn string `json:"withdrawn"`
	Diff      string `json:"diff"`
}

// Report is the outcome of a full run.
type Report struct {
	CheckedAt    time.Time           `json:"checkedAt"`
	DurationMs   int64               `json:"durationMs"`
	Accounts     int                 `json:"accounts"`
	Mismatches   []*AccountResult    `json:"mismatches"`
	Conservation *ConservationResult `json:"conservation"`
}

// Healthy reports whether the run found no discrepancy.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && r.Conservation != nil && r.Conservation.Match
}

// Service performs reconciliation between stored balances and the log.
type Service struct {
	accounts AccountLister
	history  HistorySource
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(accounts AccountLister, history HistorySource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts: accounts,
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
}

// replayed accumulates the bucket deltas of one user's entries.
type replayed struct {
	acct      *ledger.Account
	deposited decimal.Decimal
	withdrawn decimal.Decimal
	entries   int
}

// apply adds the effect of t on userID's buckets.
func (r *replayed) apply(userID int64, t *ledger.Transaction) error {
	a := r.acct
	switch t.Kind {
	case ledger.KindDeposit:
		a.Available = a.Available.Add(t.Amount)
		r.deposited = r.deposited.Add(t.Amount)
	case ledger.KindWithdrawal:
		a.Available = a.Available.Sub(t.Amount)
		r.withdrawn = r.withdrawn.Add(t.Amount)
	case ledger.KindEscrowHold:
		a.Available = a.Available.Sub(t.Amount)
		a.InEscrow = a.InEscrow.Add(t.Amount)
	case ledger.KindPendingToAvailable:
		a.Pending = a.Pending.Sub(t.Amount)
		a.Available = a.Available.Add(t.Amount)
	case ledger.KindDisputeRefund:
		a.InEscrow = a.InEscrow.Sub(t.Amount)
		a.Available = a.Available.Add(t.Amount)
	case ledger.KindEscrowRelease, ledger.KindDisputePayout:
		if t.SourceUserID == userID {
			a.InEscrow = a.InEscrow.Sub(t.Amount)
		}
		if t.DestinationUserID == userID {
			a.Pending = a.Pending.Add(t.Amount)
		}
	default:
		return fmt.Errorf("transaction %d: %w", t.ID, ledger.ErrInvalidKind)
	}
	r.entries++
	return nil
}

func (s *Service) replay(ctx context.Context, userID int64) (*replayed, error) {
	r := &replayed{acct: ledger.NewAccount(userID)}
	for t, err := range s.history.History(ctx, userID, historyPageSize) {
		if err != nil {
			return nil, fmt.Errorf("read history of user %d: %w", userID, err)
		}
		if err := r.apply(userID, t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ReconcileAccount replays userID's log and compares it with the stored
// balances. An account that changes during the replay is read again.
func (s *Service) ReconcileAccount(ctx context.Context, userID int64) (*AccountResult, error) {
	var res *AccountResult
	for range maxStableReads {
		before, err := s.history.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		r, err := s.replay(ctx, userID)
		if err != nil {
			return nil, err
		}
		after, err := s.history.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}

		got := r.acct.Balances()
		res = &AccountResult{
			UserID:   userID,
			Entries:  r.entries,
			Stored:   after,
			Replayed: got,
			Match:    sameBuckets(after, got),
		}
		if res.Match || sameBuckets(before, after) {
			break
		}
	}
	return res, nil
}

func sameBuckets(a, b *ledger.Balances) bool {
	return a.Available == b.Available && a.InEscrow == b.InEscrow && a.Pending == b.Pending
}

// ReconcileAll reconciles every stored account and checks conservation.
// The report is kept for LastReport.
func (s *Service) ReconcileAll(ctx context.Context) (*Report, error) {
	start := s.now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	snap, err := s.snapshot(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report := &Report{
		CheckedAt:  start.UTC(),
		Accounts:   len(snap.Accounts),
		Mismatches: []*AccountResult{},
	}
	for _, a := range snap.Accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.ReconcileAccount(ctx, a.UserID)
		if err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
		if !res.Match {
			report.Mismatches = append(report.Mismatches, res)
			s.logger.Error("ledger mismatch",
				"user_id", res.UserID,
				"stored_available", res.Stored.Available, "replayed_available", res.Replayed.Available,
				"stored_escrow", res.Stored.InEscrow, "replayed_escrow", res.Replayed.InEscrow,
				"stored_pending", res.Stored.Pending, "replayed_pending", res.Replayed.Pending,
			)
		}
	}
	report.Conservation = conservation(snap)
	report.DurationMs = time.Since(start).Milliseconds()

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileConservationDrift.Set(decimal.RequireFromString(report.Conservation.Diff).InexactFloat64())
	reconcileLastRun.Set(float64(report.CheckedAt.Unix()))

	if !report.Conservation.Match {
		s.logger.Error("conservation violated",
			"total", report.Conservation.Total,
			"deposited", report.Conservation.Deposited,
			"withdrawn", report.Conservation.Withdrawn,
			"diff", report.Conservation.Diff,
		)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// Conservation sums every bucket of every account against the net of all
// deposits and withdrawals in the log.
func (s *Service) Conservation(ctx context.Context) (*ConservationResult, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return conservation(snap), nil
}

// snapshot returns the accounts and the log's external flow totals as of
// one point in time. Without a Snapshotter the log is replayed between
// two account listings, and the pass is repeated while a commit lands in
// between.
func (s *Service) snapshot(ctx context.Context) (*ledger.Snapshot, error) {
	if sn, ok := s.accounts.(Snapshotter); ok {
		snap, err := sn.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot accounts: %w", err)
		}
		return snap, nil
	}

	var snap *ledger.Snapshot
	for range maxStableReads {
		before, err := s.accounts.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		snap = &ledger.Snapshot{Accounts: before, Deposited: decimal.Zero, Withdrawn: decimal.Zero}
		for _, a := range before {
			r, err := s.replay(ctx, a.UserID)
			if err != nil {
				return nil, err
			}
			snap.Deposited = snap.Deposited.Add(r.deposited)
			snap.Withdrawn = snap.Withdrawn.Add(r.withdrawn)
		}
		after, err := s.accounts.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		if sameAccounts(before, after) {
			break
		}
	}
	return snap, nil
}

// sameAccounts reports whether two listings hold the same rows with the
// same balances and update times.
func sameAccounts(a, b []*ledger.Account) bool {
	return slices.EqualFunc(a, b, func(x, y *ledger.Account) bool {
		return x.UserID == y.UserID &&
			x.Available.Equal(y.Available) &&
			x.InEscrow.Equal(y.InEscrow) &&
			x.Pending.Equal(y.Pending) &&
			x.UpdatedAt.Equal(y.UpdatedAt)
	})
}

func conservation(snap *ledger.Snapshot) *ConservationResult {
	deposited, withdrawn := snap.Deposited, snap.Withdrawn
	avail, escrow, pending := decimal.Zero, decimal.Zero, decimal.Zero
	for _, a := range snap.Accounts {
		avail = avail.Add(a.Available)
		escrow = escrow.Add(a.InEscrow)
		pending = pending.Add(a.Pending)
	}
	total := avail.Add(escrow).Add(pending)
	diff := total.Sub(deposited.Sub(withdrawn))
	return &ConservationResult{
		Match:     diff.IsZero(),
		Available: money.Format(avail),
		InEscrow:  money.Format(escrow),
		Pending:   money.Format(pending),
		Total:     money.Format(total),
		Deposited: money.Format(deposited),
		Withdrawn: money.Format(withdrawn),
		Diff:      money.Format(diff),
	}
}

// LastReport returns the most recent ReconcileAll report, or nil.
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
