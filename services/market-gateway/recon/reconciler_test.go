package recon

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agriclear/chain"
	"agriclear/services/market-gateway/models"
	"agriclear/services/market-gateway/settlement"
	"agriclear/storage"
)

var (
	buyerAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	sellerAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func newHarness(t *testing.T) (*gorm.DB, *chain.LocalNode, *Reconciler, *[]settlement.OrderUpdate) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	node := chain.NewLocalNode(storage.NewMemDB())
	require.NoError(t, node.FundAccount(buyerAddr, big.NewInt(100_000)))

	var updates []settlement.OrderUpdate
	rec, err := New(Config{
		DB:     db,
		Client: node,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Notify: func(u settlement.OrderUpdate) { updates = append(updates, u) },
	})
	require.NoError(t, err)
	return db, node, rec, &updates
}

func seedOrder(t *testing.T, db *gorm.DB, ref string, status models.OrderStatus, createdAt time.Time) models.Order {
	t.Helper()
	order := models.Order{
		ID:         uuid.New(),
		Reference:  ref,
		BuyerID:    uuid.New(),
		FarmerID:   uuid.New(),
		TotalMinor: 2550,
		Status:     status,
		CreatedAt:  createdAt,
	}
	require.NoError(t, db.Create(&order).Error)
	return order
}

func deposit(t *testing.T, node *chain.LocalNode, ref string) {
	t.Helper()
	tx, err := node.Deposit(context.Background(), chain.AddressSigner(buyerAddr), ref, sellerAddr, big.NewInt(2550))
	require.NoError(t, err)
	receipt, err := tx.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, receipt.Ok())
}

func mine(t *testing.T) func(tx chain.PendingTx, err error) {
	t.Helper()
	return func(tx chain.PendingTx, err error) {
		t.Helper()
		require.NoError(t, err)
		receipt, err := tx.Wait(context.Background())
		require.NoError(t, err)
		require.True(t, receipt.Ok())
	}
}

func TestPendingOrderAdvancesWhenDepositFound(t *testing.T) {
	db, node, rec, _ := newHarness(t)
	order := seedOrder(t, db, "ORD-R1", models.StatusPending, time.Now())
	deposit(t, node, order.Reference)

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Advanced)
	require.Zero(t, summary.Incidents)

	var stored models.Order
	require.NoError(t, db.First(&stored, "reference = ?", order.Reference).Error)
	require.Equal(t, models.StatusConfirmed, stored.Status)
}

func TestReleasedEscrowMarksOrderPaid(t *testing.T) {
	db, node, rec, updates := newHarness(t)
	order := seedOrder(t, db, "ORD-R2", models.StatusDelivered, time.Now())
	deposit(t, node, order.Reference)
	signer := chain.AddressSigner(buyerAddr)
	mine(t)(node.ConfirmDelivery(context.Background(), signer, order.Reference))
	mine(t)(node.ReleasePayment(context.Background(), signer, order.Reference))

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Advanced)

	var stored models.Order
	require.NoError(t, db.First(&stored, "reference = ?", order.Reference).Error)
	require.Equal(t, models.StatusPaid, stored.Status)

	require.Len(t, *updates, 1)
	require.Equal(t, models.StatusPaid, (*updates)[0].Status)
}

func TestLeadingMirrorRolledBack(t *testing.T) {
	db, node, rec, _ := newHarness(t)
	// Delivered in the mirror but the ledger never saw a confirmation.
	order := seedOrder(t, db, "ORD-R3", models.StatusDelivered, time.Now())
	deposit(t, node, order.Reference)

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Incidents)
	require.Zero(t, summary.Advanced)

	var stored models.Order
	require.NoError(t, db.First(&stored, "reference = ?", order.Reference).Error)
	require.Equal(t, models.StatusConfirmed, stored.Status)
}

func TestConfirmedWithoutEscrowBecomesIncident(t *testing.T) {
	db, _, rec, _ := newHarness(t)
	order := seedOrder(t, db, "ORD-R4", models.StatusConfirmed, time.Now())

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Incidents)

	var stored models.Order
	require.NoError(t, db.First(&stored, "reference = ?", order.Reference).Error)
	require.Equal(t, models.StatusFailed, stored.Status)
	require.Contains(t, stored.FailureNote, "no ledger entry")
}

func TestFreshPendingOrderLeftAlone(t *testing.T) {
	db, _, rec, _ := newHarness(t)
	seedOrder(t, db, "ORD-R5", models.StatusPending, time.Now())

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scanned)
	require.Zero(t, summary.Advanced)
	require.Zero(t, summary.Incidents)
}

func TestStalePendingOrderClosedOut(t *testing.T) {
	db, _, rec, _ := newHarness(t)
	order := seedOrder(t, db, "ORD-R6", models.StatusPending, time.Now().Add(-time.Hour))

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Advanced)

	var stored models.Order
	require.NoError(t, db.First(&stored, "reference = ?", order.Reference).Error)
	require.Equal(t, models.StatusFailed, stored.Status)
	require.Contains(t, stored.FailureNote, "no escrow deposit")
}

func TestRefundedEscrowFailsOrder(t *testing.T) {
	db, node, rec, _ := newHarness(t)
	arbiter := common.HexToAddress("0x9000000000000000000000000000000000000009")
	node.SetArbiter(arbiter)
	order := seedOrder(t, db, "ORD-R7", models.StatusConfirmed, time.Now())
	deposit(t, node, order.Reference)
	mine(t)(node.Refund(context.Background(), chain.AddressSigner(arbiter), order.Reference))

	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Advanced)

	var stored models.Order
	require.NoError(t, db.First(&stored, "reference = ?", order.Reference).Error)
	require.Equal(t, models.StatusFailed, stored.Status)
	require.Contains(t, stored.FailureNote, "refunded")
}
