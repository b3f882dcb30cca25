package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/syncutil"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process store for development and tests. Row locks
// are per-key context mutexes; writes are staged on the transaction and
// applied together on commit.
type MemoryStore struct {
	rows        *syncutil.KeyedMutex
	lockTimeout time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	accounts  map[int64]*ledger.Account
	methods   map[int64]*ledger.PaymentMethod
	orders    map[int64]*disputes.Order
	disputes  map[int64]*disputes.Dispute
	responses []*disputes.Response
	txns      []*ledger.Transaction

	seqTxn      int64
	seqDispute  int64
	seqResponse int64
	seqMethod   int64
	seqOrder    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:        syncutil.NewKeyedMutex(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		accounts:    make(map[int64]*ledger.Account),
		methods:     make(map[int64]*ledger.PaymentMethod),
		orders:      make(map[int64]*disputes.Order),
		disputes:    make(map[int64]*disputes.Dispute),
	}
}

// WithLockTimeout bounds how long a transaction waits for a row lock.
func (m *MemoryStore) WithLockTimeout(d time.Duration) *MemoryStore {
	if d > 0 {
		m.lockTimeout = d
	}
	return m
}

// Ledger returns the store as a ledger.Store.
func (m *MemoryStore) Ledger() ledger.Store { return memLedger{m} }

// Disputes returns the store as a disputes.Store.
func (m *MemoryStore) Disputes() disputes.Store { return memDisputes{m} }

func (m *MemoryStore) nextID(seq *int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	*seq++
	return *seq
}

// withTx runs fn on a new memTx, committing only if fn returns nil.
// Row locks are released on every exit path, including panics.
func (m *MemoryStore) withTx(ctx context.Context, fn func(*memTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:     m,
		held:      make(map[string]func()),
		accounts:  make(map[int64]*ledger.Account),
		orders:    make(map[int64]*disputes.Order),
		disputes:  make(map[int64]*disputes.Dispute),
		dirtyAcct: make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// ---- seeding used by collaborators and tests ----

// CreateOrder inserts an order, assigning its ID if zero.
func (m *MemoryStore) CreateOrder(_ context.Context, o *disputes.Order) error {
	if o.ClientUserID <= 0 {
		return ledger.ErrInvalidAccount
	}
	if o.ID == 0 {
		o.ID = m.nextID(&m.seqOrder)
	}
	if o.Status == "" {
		o.Status = disputes.OrderPending
	}
	now := m.now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %d already exists", o.ID)
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

// AddPaymentMethod registers a withdrawal destination, assigning its ID.
func (m *MemoryStore) AddPaymentMethod(_ context.Context, pm *ledger.PaymentMethod) error {
	if pm.UserID <= 0 {
		return ledger.ErrInvalidAccount
	}
	pm.ID = m.nextID(&m.seqMethod)
	pm.CreatedAt = m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pm
	m.methods[pm.ID] = &cp
	return nil
}

// ListAccounts returns every account, ordered by user id.
func (m *MemoryStore) ListAccounts(_ context.Context) ([]*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b *ledger.Account) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

// Snapshot reads every account and the log's deposit and withdrawal
// totals under one lock, so no commit lands between them.
func (m *MemoryStore) Snapshot(_ context.Context) (*ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &ledger.Snapshot{
		Accounts:  make([]*ledger.Account, 0, len(m.accounts)),
		Deposited: decimal.Zero,
		Withdrawn: decimal.Zero,
	}
	for _, a := range m.accounts {
		snap.Accounts = append(snap.Accounts, a.Clone())
	}
	slices.SortFunc(snap.Accounts, func(a, b *ledger.Account) int { return cmp.Compare(a.UserID, b.UserID) })
	for _, t := range m.txns {
		switch t.Kind {
		case ledger.KindDeposit:
			snap.Deposited = snap.Deposited.Add(t.Amount)
		case ledger.KindWithdrawal:
			snap.Withdrawn = snap.Withdrawn.Add(t.Amount)
		}
	}
	return snap, nil
}

// ---- committed reads ----

func (m *MemoryStore) getAccount(userID int64) *ledger.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[userID]; ok {
		return a.Clone()
	}
	return ledger.NewAccount(userID)
}

func (m *MemoryStore) listTransactions(userID, beforeID int64, limit int) []*ledger.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ledger.Transaction
	for _, t := range m.txns {
		if !t.Involves(userID) || (beforeID > 0 && t.ID >= beforeID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *ledger.Transaction) int { return cmp.Compare(b.ID, a.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) getDispute(id int64) (*disputes.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, disputes.ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) getOrder(id int64) (*disputes.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, disputes.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// ---- transaction ----

type memTx struct {
	store *MemoryStore
	held  map[string]func()

	accounts  map[int64]*ledger.Account
	dirtyAcct map[int64]bool
	orders    map[int64]*disputes.Order
	disputes  map[int64]*disputes.Dispute
	txns      []*ledger.Transaction
	responses []*disputes.Response
}

// lock acquires the row lock for key once per transaction. A wait longer
// than the store's lock timeout is reported as ErrContention.
func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	if unlock, ok := tx.store.rows.TryLock(key); ok {
		tx.held[key] = unlock
		return nil
	}
	lockCtx, cancel := context.WithTimeout(ctx, tx.store.lockTimeout)
	defer cancel()
	unlock, err := tx.store.rows.LockContext(lockCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for %s", ledger.ErrContention, key)
		}
		return err
	}
	tx.held[key] = unlock
	return nil
}

func (tx *memTx) release() {
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
}

func (tx *memTx) commit() {
	s := tx.store
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.dirtyAcct {
		a := tx.accounts[id].Clone()
		a.UpdatedAt = now
		s.accounts[id] = a
	}
	for id, o := range tx.orders {
		s.orders[id] = cloneOrder(o)
	}
	for id, d := range tx.disputes {
		s.disputes[id] = cloneDispute(d)
	}
	for _, t := range tx.txns {
		cp := *t
		s.txns = append(s.txns, &cp)
	}
	for _, r := range tx.responses {
		cp := *r
		s.responses = append(s.responses, &cp)
	}
}

func (tx *memTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*ledger.Account, error) {
	ordered, err := lockOrder(userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*ledger.Account, len(ordered))
	for _, id := range ordered {
		if err := tx.lock(ctx, accountKey(id)); err != nil {
			return nil, err
		}
		a, ok := tx.accounts[id]
		if !ok {
			a = tx.store.getAccount(id)
			tx.accounts[id] = a
		}
		out[id] = a
	}
	return out, nil
}

func (tx *memTx) SaveAccount(_ context.Context, a *ledger.Account) error {
	staged, ok := tx.accounts[a.UserID]
	if !ok {
		return fmt.Errorf("account %d is not locked by this transaction", a.UserID)
	}
	if err := checkBuckets(a); err != nil {
		return err
	}
	if staged != a {
		*staged = *a
	}
	tx.dirtyAcct[a.UserID] = true
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, t *ledger.Transaction) error {
	t.ID = tx.store.nextID(&tx.store.seqTxn)
	t.CreatedAt = tx.store.now().UTC()
	tx.txns = append(tx.txns, t)
	return nil
}

func (tx *memTx) GetPaymentMethod(_ context.Context, id int64) (*ledger.PaymentMethod, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	pm, ok := s.methods[id]
	if !ok {
		return nil, ledger.ErrPaymentMethodNotFound
	}
	cp := *pm
	return &cp, nil
}

func (tx *memTx) LockDispute(ctx context.Context, id int64) (*disputes.Dispute, error) {
	if err := tx.lock(ctx, disputeKey(id)); err != nil {
		return nil, err
	}
	if d, ok := tx.disputes[id]; ok {
		return d, nil
	}
	d, err := tx.store.getDispute(id)
	if err != nil {
		return nil, err
	}
	tx.disputes[id] = d
	return d, nil
}

func (tx *memTx) LockOrder(ctx context.Context, id int64) (*disputes.Order, error) {
	if err := tx.lock(ctx, orderKey(id)); err != nil {
		return nil, err
	}
	if o, ok := tx.orders[id]; ok {
		return o, nil
	}
	o, err := tx.store.getOrder(id)
	if err != nil {
		return nil, err
	}
	tx.orders[id] = o
	return o, nil
}

func (tx *memTx) FindActiveDispute(_ context.Context, orderID int64) (*disputes.Dispute, error) {
	for _, d := range tx.disputes {
		if d.OrderID == orderID && !d.Status.IsTerminal() {
			return d, nil
		}
	}
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.OrderID == orderID && !d.Status.IsTerminal() {
			return cloneDispute(d), nil
		}
	}
	return nil, nil
}

func (tx *memTx) CreateDispute(ctx context.Context, d *disputes.Dispute) error {
	d.ID = tx.store.nextID(&tx.store.seqDispute)
	now := tx.store.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if err := tx.lock(ctx, disputeKey(d.ID)); err != nil {
		return err
	}
	tx.disputes[d.ID] = d
	return nil
}

func (tx *memTx) SaveDispute(_ context.Context, d *disputes.Dispute) error {
	if _, ok := tx.held[disputeKey(d.ID)]; !ok {
		return fmt.Errorf("dispute %d is not locked by this transaction", d.ID)
	}
	if committed, err := tx.store.getDispute(d.ID); err == nil && committed.Status.IsTerminal() {
		return disputes.ErrDisputeResolved
	}
	d.UpdatedAt = tx.store.now().UTC()
	tx.disputes[d.ID] = d
	return nil
}

func (tx *memTx) SaveOrder(_ context.Context, o *disputes.Order) error {
	if _, ok := tx.held[orderKey(o.ID)]; !ok {
		return fmt.Errorf("order %d is not locked by this transaction", o.ID)
	}
	o.UpdatedAt = tx.store.now().UTC()
	tx.orders[o.ID] = o
	return nil
}

func (tx *memTx) AppendResponse(_ context.Context, r *disputes.Response) error {
	r.ID = tx.store.nextID(&tx.store.seqResponse)
	r.CreatedAt = tx.store.now().UTC()
	tx.responses = append(tx.responses, r)
	return nil
}

// ---- views ----

type memLedger struct{ m *MemoryStore }

func (v memLedger) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return v.m.withTx(ctx, func(tx *memTx) error { return fn(tx) })
}

func (v memLedger) GetAccount(_ context.Context, userID int64) (*ledger.Account, error) {
	return v.m.getAccount(userID), nil
}

func (v memLedger) ListTransactions(_ context.Context, userID, beforeID int64, limit int) ([]*ledger.Transaction, error) {
	return v.m.listTransactions(userID, beforeID, limit), nil
}

type memDisputes struct{ m *MemoryStore }

func (v memDisputes) WithTx(ctx context.Context, fn func(disputes.Tx) error) error {
	return v.m.withTx(ctx, func(tx *memTx) error { return fn(tx) })
}

func (v memDisputes) GetDispute(_ context.Context, id int64) (*disputes.Dispute, error) {
	return v.m.getDispute(id)
}

func (v memDisputes) GetOrder(_ context.Context, id int64) (*disputes.Order, error) {
	return v.m.getOrder(id)
}

func (v memDisputes) ListResponses(_ context.Context, disputeID int64) ([]*disputes.Response, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	var out []*disputes.Response
	for _, r := range v.m.responses {
		if r.DisputeID == disputeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *disputes.Response) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (v memDisputes) ListDisputes(_ context.Context, userID int64, limit int) ([]*disputes.Dispute, error) {
	m := v.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*disputes.Dispute
	for _, d := range m.disputes {
		if userID != 0 && d.InitiatorID != userID {
			o, ok := m.orders[d.OrderID]
			if !ok || !o.OwnedBy(userID) {
				continue
			}
		}
		out = append(out, cloneDispute(d))
	}
	slices.SortFunc(out, func(a, b *disputes.Dispute) int { return cmp.Compare(b.ID, a.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v memDisputes) ListDueForRelease(_ context.Context, before time.Time, limit int) ([]*disputes.Order, error) {
	m := v.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*disputes.Order
	for _, o := range m.orders {
		if o.Status == disputes.OrderAwaitingRelease && o.AutoReleaseDate != nil && !o.AutoReleaseDate.After(before) {
			out = append(out, cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b *disputes.Order) int {
		if c := a.AutoReleaseDate.Compare(*b.AutoReleaseDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- helpers ----

func accountKey(id int64) string { return "account:" + strconv.FormatInt(id, 10) }
func orderKey(id int64) string { return "order:" + strconv.FormatInt(id, 10) }
func disputeKey(id int64) string { return "dispute:" + strconv.FormatInt(id, 10) }

func cloneOrder(o *disputes.Order) *disputes.Order {
	cp := *o
	if o.TechnicianUserID != nil {
		v := *o.TechnicianUserID
		cp.TechnicianUserID = &v
	}
	if o.JobCompletionTimestamp != nil {
		v := *o.JobCompletionTimestamp
		cp.JobCompletionTimestamp = &v
	}
	if o.AutoReleaseDate != nil {
		v := *o.AutoReleaseDate
		cp.AutoReleaseDate = &v
	}
	return &cp
}

func cloneDispute(d *disputes.Dispute) *disputes.Dispute {
	cp := *d
	if d.ResolutionDate != nil {
		v := *d.ResolutionDate
		cp.ResolutionDate = &v
	}
	if d.ResolvedBy != nil {
		v := *d.ResolvedBy
		cp.ResolvedBy = &v
	}
	return &cp
}

var (
	_ ledger.Store   = memLedger{}
	_ disputes.Store = memDisputes{}
	_ disputes.Tx    = (*memTx)(nil)
)
