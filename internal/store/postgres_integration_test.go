//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/store"
	"github.com/mbd888/marketledger/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestIntegration_DisputeLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	pg := store.NewPostgresStore(db)
	led := ledger.NewService(pg.Ledger(), nil)
	svc := disputes.NewService(pg.Disputes(), nil)

	_, err := led.Deposit(ctx, 1, dec("100"), "card")
	require.NoError(t, err)

	tech := int64(2)
	order := &disputes.Order{ClientUserID: 1, TechnicianUserID: &tech, FinalPrice: dec("100")}
	require.NoError(t, pg.CreateOrder(ctx, order))

	_, err = svc.AcceptOrder(ctx, order.ID, disputes.Actor{UserID: 1})
	require.NoError(t, err)

	d, err := svc.OpenDispute(ctx, order.ID, disputes.Actor{UserID: 1}, "left halfway")
	require.NoError(t, err)

	_, err = svc.OpenDispute(ctx, order.ID, disputes.Actor{UserID: 2}, "no")
	assert.True(t, errors.Is(err, disputes.ErrDisputeAlreadyOpen), "got %v", err)

	_, err = svc.AddDisputeResponse(ctx, d.ID, disputes.Actor{UserID: 2}, "I finished half", "")
	require.NoError(t, err)

	res, err := svc.ResolveDispute(ctx, disputes.ResolveRequest{
		DisputeID:              d.ID,
		Admin:                  disputes.Actor{UserID: 99, Admin: true},
		Resolution:             disputes.ResolutionSplitPayment,
		AdminNotes:             "half done",
		ClientRefundAmount:     "30",
		TechnicianPayoutAmount: "40",
	})
	require.NoError(t, err)
	assert.Equal(t, "30.00", res.SplitRemainder)
	assert.Len(t, res.Transactions, 3)

	client, err := led.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "60.00", client.Available)
	assert.Equal(t, "0.00", client.InEscrow)

	technician, err := led.Balance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "40.00", technician.Pending)

	_, err = svc.ResolveDispute(ctx, disputes.ResolveRequest{
		DisputeID:  d.ID,
		Resolution: disputes.ResolutionRefundClient,
		AdminNotes: "again",
	})
	assert.True(t, errors.Is(err, disputes.ErrAlreadyResolved), "got %v", err)

	_, err = svc.AddDisputeResponse(ctx, d.ID, disputes.Actor{UserID: 1}, "late", "")
	assert.True(t, errors.Is(err, disputes.ErrDisputeResolved), "got %v", err)

	_, err = led.TransferPendingToAvailable(ctx, 2)
	require.NoError(t, err)

	accounts, err := pg.ListAccounts(ctx)
	require.NoError(t, err)
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Total())
	}
	assert.True(t, total.Equal(dec("100")), "total = %s", total)

	_, err = db.ExecContext(ctx, `DELETE FROM transactions`)
	assert.Error(t, err, "transactions must be append-only")
}

func TestIntegration_AutoReleaseAndSnapshot(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	pg := store.NewPostgresStore(db)
	led := ledger.NewService(pg.Ledger(), nil)
	now := time.Now().UTC()
	svc := disputes.NewService(pg.Disputes(), nil).WithClock(func() time.Time { return now })

	_, err := led.Deposit(ctx, 1, dec("50"), "card")
	require.NoError(t, err)
	tech := int64(2)
	order := &disputes.Order{ClientUserID: 1, TechnicianUserID: &tech, FinalPrice: dec("50")}
	require.NoError(t, pg.CreateOrder(ctx, order))
	_, err = svc.AcceptOrder(ctx, order.ID, disputes.Actor{UserID: 1})
	require.NoError(t, err)
	_, err = svc.CompleteJob(ctx, order.ID, disputes.Actor{UserID: tech})
	require.NoError(t, err)

	now = now.Add(disputes.DefaultReleaseWindow + time.Minute)
	released, err := svc.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	technician, err := led.Balance(ctx, tech)
	require.NoError(t, err)
	assert.Equal(t, "50.00", technician.Pending)

	snap, err := pg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Accounts, 2)
	assert.True(t, snap.Deposited.Equal(dec("50")), "deposited = %s", snap.Deposited)
	assert.True(t, snap.Withdrawn.IsZero())
}

func TestIntegration_ConcurrentWithdrawals(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	pg := store.NewPostgresStore(db)
	led := ledger.NewService(pg.Ledger(), nil)

	_, err := led.Deposit(ctx, 1, dec("100"), "")
	require.NoError(t, err)
	pm := &ledger.PaymentMethod{UserID: 1, CardType: "Visa", LastFour: "4242"}
	require.NoError(t, pg.AddPaymentMethod(ctx, pm))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := led.Withdraw(ctx, 1, dec("10"), pm.ID); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	b, err := led.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "0.00", b.Available)
}

func TestIntegration_LockTimeout(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	pg := store.NewPostgresStore(db).WithLockTimeout(100 * time.Millisecond)
	led := ledger.NewService(pg.Ledger(), nil)
	_, err := led.Deposit(ctx, 1, dec("5"), "")
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = pg.Ledger().WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockAccounts(ctx, 1); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err = led.Deposit(ctx, 1, dec("1"), "")
	assert.True(t, errors.Is(err, ledger.ErrContention), "got %v", err)
}
