// Package recon repairs drift between the order mirror and the escrow
// ledger. The ledger is authoritative: lagging mirrors are advanced,
// leading mirrors are rolled back and logged as incidents.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"agriclear/chain"
	"agriclear/native/escrow"
	"agriclear/services/market-gateway/models"
	"agriclear/services/market-gateway/settlement"
)

// Summary reports one reconciliation sweep.
type Summary struct {
	Scanned   int
	Advanced  int
	Incidents int
}

// Config bundles the reconciler's dependencies.
type Config struct {
	DB     *gorm.DB
	Client chain.SettlementClient
	// Interval between sweeps. Zero means the one-minute default.
	Interval time.Duration
	Logger   *slog.Logger
	// Notify receives order updates applied by reconciliation. Optional.
	Notify func(settlement.OrderUpdate)
	Now    func() time.Time
}

// Reconciler periodically re-derives order status from the ledger.
type Reconciler struct {
	db       *gorm.DB
	client   chain.SettlementClient
	interval time.Duration
	logger   *slog.Logger
	notify   func(settlement.OrderUpdate)
	now      func() time.Time
}

// New constructs a Reconciler, applying defaults for optional fields.
func New(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: DB is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("recon: chain client is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		db:       cfg.DB,
		client:   cfg.Client,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		notify:   cfg.Notify,
		now:      cfg.Now,
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
				continue
			}
			if summary.Advanced > 0 || summary.Incidents > 0 {
				r.logger.Info("reconciliation sweep applied changes",
					"scanned", summary.Scanned,
					"advanced", summary.Advanced,
					"incidents", summary.Incidents)
			}
		}
	}
}

// ReconcileOnce checks every live order against the ledger.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	var orders []models.Order
	live := []models.OrderStatus{
		models.StatusPending,
		models.StatusConfirmed,
		models.StatusProcessing,
		models.StatusShipped,
		models.StatusDelivered,
	}
	if err := r.db.Where("status IN ?", live).Find(&orders).Error; err != nil {
		return summary, fmt.Errorf("recon: load live orders: %w", err)
	}
	summary.Scanned = len(orders)

	for i := range orders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		order := &orders[i]
		state, err := r.client.EscrowStatus(ctx, order.Reference)
		if err != nil {
			if errors.Is(err, escrow.ErrNotFound) {
				r.handleMissingEscrow(order, &summary)
				continue
			}
			r.logger.Error("escrow status query failed",
				"orderRef", order.Reference, "error", err)
			continue
		}
		r.apply(order, state, &summary)
	}
	return summary, nil
}

// handleMissingEscrow deals with orders that have no ledger entry. A pending
// order without one is a checkout that never reached the chain; anything
// further along claims funds that were never locked.
func (r *Reconciler) handleMissingEscrow(order *models.Order, summary *Summary) {
	if order.Status == models.StatusPending {
		// Stale pending anchors are closed out after a grace period so a
		// checkout still in flight is not clobbered.
		if r.now().Sub(order.CreatedAt) < 10*time.Minute {
			return
		}
		r.transition(order, models.StatusFailed, "no escrow deposit found", summary, false)
		return
	}
	r.transition(order, models.StatusFailed,
		fmt.Sprintf("mirror status %q with no ledger entry", order.Status), summary, true)
}

func (r *Reconciler) apply(order *models.Order, state *chain.EscrowState, summary *Summary) {
	switch state.Status {
	case "funded":
		switch order.Status {
		case models.StatusPending:
			// The deposit mined but the confirmation write was lost.
			r.transition(order, models.StatusConfirmed, "deposit found on ledger", summary, false)
		case models.StatusDelivered:
			// Delivered requires a mined delivery confirmation.
			r.transition(order, models.StatusConfirmed,
				"mirror marked delivered before the ledger", summary, true)
		}
	case "delivery_confirmed":
		switch order.Status {
		case models.StatusPending, models.StatusConfirmed, models.StatusProcessing, models.StatusShipped:
			r.transition(order, models.StatusDelivered, "delivery confirmed on ledger", summary, false)
		}
	case "released":
		r.transition(order, models.StatusPaid, "payment released on ledger", summary, false)
	case "refunded":
		r.transition(order, models.StatusFailed, "escrow refunded", summary, false)
	default:
		r.logger.Error("unknown ledger status",
			"orderRef", order.Reference, "status", state.Status)
	}
}

func (r *Reconciler) transition(order *models.Order, to models.OrderStatus, reason string, summary *Summary, incident bool) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": r.now(),
	}
	if to == models.StatusFailed {
		updates["failure_note"] = reason
	}
	if to == models.StatusDelivered && order.DeliveredAt == nil {
		updates["delivered_at"] = r.now()
	}
	if err := r.db.Model(order).Updates(updates).Error; err != nil {
		r.logger.Error("reconciliation write failed",
			"orderRef", order.Reference, "error", err)
		return
	}
	from := order.Status
	order.Status = to
	if incident {
		summary.Incidents++
		r.logger.Warn("mirror led the ledger, rolled back",
			"orderRef", order.Reference, "from", from, "to", to, "reason", reason)
	} else {
		summary.Advanced++
		r.logger.Info("order reconciled",
			"orderRef", order.Reference, "from", from, "to", to, "reason", reason)
	}
	if r.notify != nil {
		r.notify(settlement.OrderUpdate{
			OrderRef: order.Reference,
			BuyerID:  order.BuyerID.String(),
			FarmerID: order.FarmerID.String(),
			Status:   to,
			Note:     reason,
		})
	}
}
