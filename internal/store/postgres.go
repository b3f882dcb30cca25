package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/shopspring/decimal"
)

// PostgreSQL error codes mapped to ErrContention or domain errors.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PostgresStore persists the ledger and disputes in PostgreSQL. Rows are
// locked with SELECT ... FOR UPDATE and every transaction sets
// lock_timeout so waits end in ErrContention instead of hanging.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: DefaultLockTimeout}
}

// WithLockTimeout bounds how long a transaction waits for a row lock.
func (p *PostgresStore) WithLockTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		p.lockTimeout = d
	}
	return p
}

// Ledger returns the store as a ledger.Store.
func (p *PostgresStore) Ledger() ledger.Store { return pgLedger{p} }

// Disputes returns the store as a disputes.Store.
func (p *PostgresStore) Disputes() disputes.Store { return pgDisputes{p} }

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(*pgTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	// SET cannot take bind parameters; the value is an integer we format.
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("failed to set lock timeout: %w", err))
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify turns lock and serialization failures into ErrContention.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ledger.ErrContention, pqErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// ---- seeding used by collaborators and tests ----

// CreateOrder inserts an order, assigning its ID if zero.
func (p *PostgresStore) CreateOrder(ctx context.Context, o *disputes.Order) error {
	if o.ClientUserID <= 0 {
		return ledger.ErrInvalidAccount
	}
	if o.Status == "" {
		o.Status = disputes.OrderPending
	}
	var price decimal.NullDecimal
	if !o.FinalPrice.IsZero() {
		price = decimal.NullDecimal{Decimal: o.FinalPrice, Valid: true}
	}

	if o.ID == 0 {
		return p.db.QueryRowContext(ctx, `
			INSERT INTO orders (client_user_id, technician_user_id, final_price, order_status, auto_release_date)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at`,
			o.ClientUserID, nullInt64(o.TechnicianUserID), price, string(o.Status), nullTime(o.AutoReleaseDate),
		).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, client_user_id, technician_user_id, final_price, order_status, auto_release_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		o.ID, o.ClientUserID, nullInt64(o.TechnicianUserID), price, string(o.Status), nullTime(o.AutoReleaseDate),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

// AddPaymentMethod registers a withdrawal destination, assigning its ID.
func (p *PostgresStore) AddPaymentMethod(ctx context.Context, pm *ledger.PaymentMethod) error {
	if pm.UserID <= 0 {
		return ledger.ErrInvalidAccount
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO payment_methods (user_id, card_type, last_four_digits, is_default)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		pm.UserID, pm.CardType, pm.LastFour, pm.IsDefault,
	).Scan(&pm.ID, &pm.CreatedAt)
}

// ListAccounts returns every account, ordered by user id.
func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*ledger.Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Snapshot reads every account and the log's deposit and withdrawal
// totals in one REPEATABLE READ transaction, so both come from the same
// database snapshot.
func (p *PostgresStore) Snapshot(ctx context.Context) (*ledger.Snapshot, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	snap := &ledger.Snapshot{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		snap.Accounts = append(snap.Accounts, a)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE kind = 'DEPOSIT'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE kind = 'WITHDRAWAL'), 0)
		FROM transactions`,
	).Scan(&snap.Deposited, &snap.Withdrawn)
	if err != nil {
		return nil, fmt.Errorf("failed to sum external flows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to end snapshot: %w", err)
	}
	return snap, nil
}

// ---- transaction ----

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*ledger.Account, error) {
	ordered, err := lockOrder(userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*ledger.Account, len(ordered))
	for _, id := range ordered {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, id); err != nil {
			return nil, fmt.Errorf("failed to provision account: %w", err)
		}
		a, err := scanAccount(t.tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, fmt.Errorf("failed to lock account: %w", err)
		}
		out[id] = a
	}
	return out, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, a *ledger.Account) error {
	if err := checkBuckets(a); err != nil {
		return err
	}
	err := t.tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET available_balance = $2, in_escrow_balance = $3, pending_balance = $4, updated_at = NOW()
		WHERE user_id = $1
		RETURNING updated_at`,
		a.UserID, a.Available, a.InEscrow, a.Pending,
	).Scan(&a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *ledger.Transaction) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			source_user_id, destination_user_id, order_id, dispute_id,
			kind, amount, currency, payment_method
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		tr.SourceUserID, tr.DestinationUserID, nullInt64(tr.OrderID), nullInt64(tr.DisputeID),
		string(tr.Kind), tr.Amount, tr.Currency, nullString(tr.PaymentMethod),
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (t *pgTx) GetPaymentMethod(ctx context.Context, id int64) (*ledger.PaymentMethod, error) {
	pm := &ledger.PaymentMethod{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, card_type, last_four_digits, is_default, created_at
		FROM payment_methods WHERE id = $1`, id,
	).Scan(&pm.ID, &pm.UserID, &pm.CardType, &pm.LastFour, &pm.IsDefault, &pm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return pm, nil
}

func (t *pgTx) LockDispute(ctx context.Context, id int64) (*disputes.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputes.ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock dispute: %w", err)
	}
	return d, nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*disputes.Order, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputes.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, nil
}

func (t *pgTx) FindActiveDispute(ctx context.Context, orderID int64) (*disputes.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes d WHERE d.order_id = $1 AND d.status <> 'RESOLVED' LIMIT 1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active dispute: %w", err)
	}
	return d, nil
}

func (t *pgTx) CreateDispute(ctx context.Context, d *disputes.Dispute) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO disputes (order_id, initiator_id, client_argument, technician_argument, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		d.OrderID, d.InitiatorID, d.ClientArgument, d.TechnicianArgument, string(d.Status),
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if isUniqueViolation(err) {
		return disputes.ErrDisputeAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (t *pgTx) SaveDispute(ctx context.Context, d *disputes.Dispute) error {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE disputes
		SET client_argument = $2, technician_argument = $3, admin_notes = $4,
		    status = $5, resolution = $6, resolution_date = $7, resolved_by = $8,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'RESOLVED'
		RETURNING updated_at`,
		d.ID, d.ClientArgument, d.TechnicianArgument, d.AdminNotes,
		string(d.Status), nullString(string(d.Resolution)), nullTime(d.ResolutionDate), nullInt64(d.ResolvedBy),
	).Scan(&d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return disputes.ErrDisputeResolved
	}
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	return nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o *disputes.Order) error {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE orders
		SET order_status = $2, job_completion_timestamp = $3, auto_release_date = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, string(o.Status), nullTime(o.JobCompletionTimestamp), nullTime(o.AutoReleaseDate),
	).Scan(&o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return disputes.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (t *pgTx) AppendResponse(ctx context.Context, r *disputes.Response) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO dispute_responses (dispute_id, sender_id, response_type, message, file_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		r.DisputeID, r.SenderID, string(r.ResponseType), r.Message, r.FileURL,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add dispute response: %w", err)
	}
	return nil
}

// ---- views ----

type pgLedger struct{ p *PostgresStore }

func (v pgLedger) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return v.p.withTx(ctx, func(tx *pgTx) error { return fn(tx) })
}

func (v pgLedger) GetAccount(ctx context.Context, userID int64) (*ledger.Account, error) {
	a, err := scanAccount(v.p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NewAccount(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (v pgLedger) ListTransactions(ctx context.Context, userID, beforeID int64, limit int) ([]*ledger.Transaction, error) {
	rows, err := v.p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE (source_user_id = $1 OR destination_user_id = $1)
		  AND ($2::BIGINT = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`,
		userID, beforeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ledger.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type pgDisputes struct{ p *PostgresStore }

func (v pgDisputes) WithTx(ctx context.Context, fn func(disputes.Tx) error) error {
	return v.p.withTx(ctx, func(tx *pgTx) error { return fn(tx) })
}

func (v pgDisputes) GetDispute(ctx context.Context, id int64) (*disputes.Dispute, error) {
	d, err := scanDispute(v.p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputes.ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

func (v pgDisputes) GetOrder(ctx context.Context, id int64) (*disputes.Order, error) {
	o, err := scanOrder(v.p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disputes.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (v pgDisputes) ListResponses(ctx context.Context, disputeID int64) ([]*disputes.Response, error) {
	rows, err := v.p.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender_id, response_type, message, file_url, created_at
		FROM dispute_responses
		WHERE dispute_id = $1
		ORDER BY id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*disputes.Response
	for rows.Next() {
		r := &disputes.Response{}
		var responseType string
		if err := rows.Scan(&r.ID, &r.DisputeID, &r.SenderID, &responseType, &r.Message, &r.FileURL, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ResponseType = disputes.ResponseType(responseType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (v pgDisputes) ListDisputes(ctx context.Context, userID int64, limit int) ([]*disputes.Dispute, error) {
	rows, err := v.p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes d
		JOIN orders o ON o.id = d.order_id
		WHERE $1::BIGINT = 0
		   OR d.initiator_id = $1
		   OR o.client_user_id = $1
		   OR o.technician_user_id = $1
		ORDER BY d.id DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*disputes.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (v pgDisputes) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*disputes.Order, error) {
	rows, err := v.p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_status = 'AWAITING_RELEASE' AND auto_release_date <= $1
		ORDER BY auto_release_date, id
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders due for release: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*disputes.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var (
	_ ledger.Store   = pgLedger{}
	_ disputes.Store = pgDisputes{}
	_ disputes.Tx    = (*pgTx)(nil)
)
