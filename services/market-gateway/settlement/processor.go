// Package settlement orchestrates the two-phase protocol between the order
// store and the ledger: off-chain rows are the anchor, escrow moves the
// funds, and the mirror only advances on mined receipts.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agriclear/chain"
	"agriclear/services/market-gateway/fraud"
	"agriclear/services/market-gateway/models"
	"agriclear/services/market-gateway/rewards"
)

var (
	// ErrEmptyCart rejects a checkout with nothing staged.
	ErrEmptyCart = errors.New("settlement: cart is empty")
	// ErrMixedFarmers rejects carts spanning more than one seller; each
	// order settles against a single escrow.
	ErrMixedFarmers = errors.New("settlement: cart items belong to different farmers")
	// ErrNoWallet rejects settlement for a party without a wallet address.
	ErrNoWallet = errors.New("settlement: wallet address missing")
	// ErrInsufficientStock rejects a checkout exceeding listed quantity.
	ErrInsufficientStock = errors.New("settlement: insufficient stock")
	// ErrSettlementInFlight rejects concurrent settlement of one order.
	ErrSettlementInFlight = errors.New("settlement: order settlement already in flight")
	// ErrOrderNotFound is returned for unknown order references.
	ErrOrderNotFound = errors.New("settlement: order not found")
	// ErrWrongStatus rejects a transition from an unexpected mirror status.
	ErrWrongStatus = errors.New("settlement: order is not in the required status")
	// ErrChainRejected marks a settlement transaction that mined but failed.
	ErrChainRejected = errors.New("settlement: transaction rejected on chain")
)

// OrderUpdate is published after every mirror status change.
type OrderUpdate struct {
	OrderRef string             `json:"orderRef"`
	BuyerID  string             `json:"buyerId"`
	FarmerID string             `json:"farmerId"`
	Status   models.OrderStatus `json:"status"`
	TxHash   string             `json:"txHash,omitempty"`
	Note     string             `json:"note,omitempty"`
}

// Config bundles the processor's dependencies.
type Config struct {
	DB         *gorm.DB
	Client     chain.SettlementClient
	Catalogue  rewards.Catalogue
	Classifier fraud.Classifier
	// FraudThreshold is the score at or above which an alert row is written.
	FraudThreshold float64
	// TimelyDeliveryWindow bounds checkout-to-delivery time for the
	// timely-delivery reward.
	TimelyDeliveryWindow time.Duration
	Logger               *slog.Logger
	// Notify receives order updates for the realtime stream. Optional.
	Notify func(OrderUpdate)
	Now    func() time.Time
}

// Processor drives orders through the settlement protocol.
type Processor struct {
	db         *gorm.DB
	client     chain.SettlementClient
	catalogue  rewards.Catalogue
	classifier fraud.Classifier
	threshold  float64
	timely     time.Duration
	logger     *slog.Logger
	notify     func(OrderUpdate)
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewProcessor constructs a Processor, applying defaults for optional fields.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.DB == nil {
		return nil, errors.New("settlement: DB is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("settlement: chain client is required")
	}
	if cfg.Catalogue.Points == nil {
		cfg.Catalogue = rewards.DefaultCatalogue()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = fraud.NewRuleClassifier()
	}
	if cfg.FraudThreshold <= 0 {
		cfg.FraudThreshold = 0.8
	}
	if cfg.TimelyDeliveryWindow <= 0 {
		cfg.TimelyDeliveryWindow = 72 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		db:         cfg.DB,
		client:     cfg.Client,
		catalogue:  cfg.Catalogue,
		classifier: cfg.Classifier,
		threshold:  cfg.FraudThreshold,
		timely:     cfg.TimelyDeliveryWindow,
		logger:     cfg.Logger,
		notify:     cfg.Notify,
		now:        cfg.Now,
	}, nil
}

func (p *Processor) acquire(orderRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		p.inflight = make(map[string]struct{})
	}
	if _, busy := p.inflight[orderRef]; busy {
		return ErrSettlementInFlight
	}
	p.inflight[orderRef] = struct{}{}
	return nil
}

func (p *Processor) release(orderRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, orderRef)
}

func (p *Processor) publish(order *models.Order, txHash, note string) {
	if p.notify == nil {
		return
	}
	p.notify(OrderUpdate{
		OrderRef: order.Reference,
		BuyerID:  order.BuyerID.String(),
		FarmerID: order.FarmerID.String(),
		Status:   order.Status,
		TxHash:   txHash,
		Note:     note,
	})
}

func signerFor(wallet string) (chain.Signer, error) {
	trimmed := strings.TrimSpace(wallet)
	if !common.IsHexAddress(trimmed) {
		return nil, ErrNoWallet
	}
	return chain.AddressSigner(common.HexToAddress(trimmed)), nil
}

// Checkout settles the buyer's cart into one escrow-funded order. Validation
// failures leave no trace; a mined-but-failed deposit marks the order failed
// with the chain's reason and leaves the cart intact for retry.
func (p *Processor) Checkout(ctx context.Context, buyer models.User) (*models.Order, error) {
	buyerSigner, err := signerFor(buyer.WalletAddress)
	if err != nil {
		return nil, err
	}

	var items []models.CartItem
	if err := p.db.Where("buyer_id = ?", buyer.ID).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	products := make(map[uuid.UUID]models.Product, len(items))
	var farmerID uuid.UUID
	var total int64
	for _, item := range items {
		var product models.Product
		if err := p.db.First(&product, "id = ?", item.ProductID).Error; err != nil {
			return nil, fmt.Errorf("settlement: load product %s: %w", item.ProductID, err)
		}
		if product.Quantity < item.Quantity {
			return nil, fmt.Errorf("%w: %s has %d, cart wants %d",
				ErrInsufficientStock, product.Name, product.Quantity, item.Quantity)
		}
		if farmerID == (uuid.UUID{}) {
			farmerID = product.FarmerID
		} else if farmerID != product.FarmerID {
			return nil, ErrMixedFarmers
		}
		products[product.ID] = product
		total += product.PriceMinor * int64(item.Quantity)
	}

	var farmer models.User
	if err := p.db.First(&farmer, "id = ?", farmerID).Error; err != nil {
		return nil, fmt.Errorf("settlement: load farmer %s: %w", farmerID, err)
	}
	if !common.IsHexAddress(strings.TrimSpace(farmer.WalletAddress)) {
		return nil, fmt.Errorf("%w: farmer %s", ErrNoWallet, farmer.ID)
	}
	farmerWallet := common.HexToAddress(farmer.WalletAddress)

	now := p.now()
	order := &models.Order{
		ID:         uuid.New(),
		Reference:  fmt.Sprintf("ORD-%s", strings.ToUpper(uuid.NewString()[:8])),
		BuyerID:    buyer.ID,
		FarmerID:   farmer.ID,
		TotalMinor: total,
		Status:     models.StatusPending,
	}
	if err := p.acquire(order.Reference); err != nil {
		return nil, err
	}
	defer p.release(order.Reference)

	// Durable anchor first so a crash mid-settlement is reconcilable.
	if err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		for _, item := range items {
			product := products[item.ProductID]
			line := models.OrderItem{
				ID:         uuid.New(),
				OrderID:    order.ID,
				ProductID:  product.ID,
				Name:       product.Name,
				PriceMinor: product.PriceMinor,
				Quantity:   item.Quantity,
			}
			if err := tx.Create(&line).Error; err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	go p.screenForFraud(*order, buyer, len(items))

	tx, err := p.client.Deposit(ctx, buyerSigner, order.Reference, farmerWallet, big.NewInt(total))
	if err != nil {
		// Submission never reached the ledger; the pending anchor stays for
		// the reconciler and the cart is untouched.
		p.logger.Error("escrow deposit submission failed",
			"orderRef", order.Reference, "error", err)
		return nil, fmt.Errorf("settlement: submit deposit: %w", err)
	}
	receipt, err := tx.Wait(ctx)
	if err != nil {
		p.logger.Error("escrow deposit receipt wait failed",
			"orderRef", order.Reference, "txHash", tx.Hash().Hex(), "error", err)
		return nil, fmt.Errorf("settlement: await deposit: %w", err)
	}
	if !receipt.Ok() {
		p.markFailed(order, tx.Hash().Hex(), receipt.Err)
		return order, fmt.Errorf("%w: %s", ErrChainRejected, receipt.Err)
	}

	// Deposit mined: confirm the mirror, consume stock and clear the cart in
	// one transaction.
	if err := p.db.Transaction(func(dbtx *gorm.DB) error {
		for _, item := range items {
			product := products[item.ProductID]
			res := dbtx.Model(&models.Product{}).
				Where("id = ? AND quantity >= ?", product.ID, item.Quantity).
				Update("quantity", gorm.Expr("quantity - ?", item.Quantity))
			if res.Error != nil {
				return res.Error
			}
			// A concurrent checkout consumed the stock between validation
			// and the deposit mining.
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s sold out during settlement",
					ErrInsufficientStock, product.Name)
			}
		}
		if err := dbtx.Where("buyer_id = ?", buyer.ID).Delete(&models.CartItem{}).Error; err != nil {
			return err
		}
		return dbtx.Model(order).Updates(map[string]interface{}{
			"status":     models.StatusConfirmed,
			"deposit_tx": receipt.TxHash.Hex(),
			"updated_at": p.now(),
		}).Error
	}); err != nil {
		// Funds are locked but the mirror lags; the reconciler repairs this.
		p.logger.Error("order confirmation write failed, mirror lags chain",
			"orderRef", order.Reference, "error", err)
		return nil, fmt.Errorf("settlement: confirm order: %w", err)
	}
	order.Status = models.StatusConfirmed
	order.DepositTx = receipt.TxHash.Hex()

	p.grantCheckoutRewards(order, items, products, now)
	p.recordProvenance(ctx, buyerSigner, order, items, products,
		fmt.Sprintf("Sold in order %s", order.Reference))

	p.logger.Info("order confirmed",
		"orderRef", order.Reference, "totalMinor", total, "txHash", order.DepositTx)
	p.publish(order, order.DepositTx, "")
	return order, nil
}

// ConfirmDelivery runs the delivery leg: confirm on chain, mark delivered,
// release payment, mark paid. The mirror advances one step per mined receipt
// so a crash between legs is always recoverable.
func (p *Processor) ConfirmDelivery(ctx context.Context, orderRef string, buyer models.User) (*models.Order, error) {
	buyerSigner, err := signerFor(buyer.WalletAddress)
	if err != nil {
		return nil, err
	}
	if err := p.acquire(orderRef); err != nil {
		return nil, err
	}
	defer p.release(orderRef)

	var order models.Order
	if err := p.db.First(&order, "reference = ? AND buyer_id = ?", orderRef, buyer.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	switch order.Status {
	case models.StatusConfirmed, models.StatusProcessing, models.StatusShipped:
	case models.StatusDelivered:
		// A previous attempt confirmed delivery on chain but the release
		// leg never completed. Skip straight to the release so retries can
		// finish the settlement.
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongStatus, orderRef, order.Status)
	}

	if order.Status != models.StatusDelivered {
		tx, err := p.client.ConfirmDelivery(ctx, buyerSigner, orderRef)
		if err != nil {
			return nil, fmt.Errorf("settlement: submit delivery confirmation: %w", err)
		}
		receipt, err := tx.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("settlement: await delivery confirmation: %w", err)
		}
		if !receipt.Ok() {
			return nil, fmt.Errorf("%w: %s", ErrChainRejected, receipt.Err)
		}

		deliveredAt := p.now()
		if err := p.db.Model(&order).Updates(map[string]interface{}{
			"status":       models.StatusDelivered,
			"delivered_at": deliveredAt,
			"updated_at":   deliveredAt,
		}).Error; err != nil {
			return nil, fmt.Errorf("settlement: mark delivered: %w", err)
		}
		order.Status = models.StatusDelivered
		order.DeliveredAt = &deliveredAt
		p.publish(&order, receipt.TxHash.Hex(), "")
	}

	releaseTx, err := p.client.ReleasePayment(ctx, buyerSigner, orderRef)
	if err != nil {
		// Delivered but unpaid; the reconciler or a retry finishes the leg.
		p.logger.Error("payment release submission failed",
			"orderRef", orderRef, "error", err)
		return &order, fmt.Errorf("settlement: submit release: %w", err)
	}
	releaseReceipt, err := releaseTx.Wait(ctx)
	if err != nil {
		return &order, fmt.Errorf("settlement: await release: %w", err)
	}
	if !releaseReceipt.Ok() {
		p.logger.Error("payment release rejected on chain",
			"orderRef", orderRef, "reason", releaseReceipt.Err)
		return &order, fmt.Errorf("%w: %s", ErrChainRejected, releaseReceipt.Err)
	}

	if err := p.db.Model(&order).Updates(map[string]interface{}{
		"status":     models.StatusPaid,
		"release_tx": releaseReceipt.TxHash.Hex(),
		"updated_at": p.now(),
	}).Error; err != nil {
		return &order, fmt.Errorf("settlement: mark paid: %w", err)
	}
	order.Status = models.StatusPaid
	order.ReleaseTx = releaseReceipt.TxHash.Hex()

	if order.DeliveredAt != nil && order.DeliveredAt.Sub(order.CreatedAt) <= p.timely {
		if err := p.catalogue.Grant(p.db, order.FarmerID, order.ID, models.RewardTimelyDelivery, p.now()); err != nil {
			p.logger.Error("timely delivery reward grant failed",
				"orderRef", orderRef, "error", err)
		}
	}

	p.recordDeliveryProvenance(ctx, buyerSigner, &order)

	p.logger.Info("order paid",
		"orderRef", orderRef, "txHash", order.ReleaseTx)
	p.publish(&order, order.ReleaseTx, "")
	return &order, nil
}

func (p *Processor) markFailed(order *models.Order, txHash, reason string) {
	if err := p.db.Model(order).Updates(map[string]interface{}{
		"status":       models.StatusFailed,
		"failure_note": reason,
		"updated_at":   p.now(),
	}).Error; err != nil {
		p.logger.Error("failed-order write failed", "orderRef", order.Reference, "error", err)
		return
	}
	order.Status = models.StatusFailed
	order.FailureNote = reason
	p.logger.Warn("order settlement failed on chain",
		"orderRef", order.Reference, "txHash", txHash, "reason", reason)
	p.publish(order, txHash, reason)
}

// screenForFraud scores the checkout and records an alert above threshold.
// It runs in the background off the settlement path: classifier latency and
// failures never touch the checkout, and the verdict is advisory only.
func (p *Processor) screenForFraud(order models.Order, buyer models.User, itemCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var recent int64
	if err := p.db.Model(&models.Order{}).
		Where("buyer_id = ? AND created_at > ?", buyer.ID, p.now().Add(-24*time.Hour)).
		Count(&recent).Error; err != nil {
		p.logger.Error("fraud signal query failed", "orderRef", order.Reference, "error", err)
		return
	}
	var avg float64
	if err := p.db.Model(&models.Order{}).
		Where("buyer_id = ? AND status = ?", buyer.ID, models.StatusPaid).
		Select("COALESCE(AVG(total_minor), 0)").
		Scan(&avg).Error; err != nil {
		p.logger.Error("fraud signal query failed", "orderRef", order.Reference, "error", err)
		return
	}
	signal := fraud.Signal{
		OrderRef:       order.Reference,
		BuyerID:        buyer.ID.String(),
		TotalMinor:     order.TotalMinor,
		ItemCount:      itemCount,
		OrdersLastDay:  int(recent),
		AccountAgeDays: int(p.now().Sub(buyer.CreatedAt).Hours() / 24),
		AvgOrderMinor:  avg,
	}
	result, err := p.classifier.Classify(ctx, signal)
	if err != nil {
		p.logger.Error("fraud classification failed", "orderRef", order.Reference, "error", err)
		return
	}
	if result.Score < p.threshold && !result.Fraudulent {
		return
	}
	alert := models.FraudAlert{
		ID:          uuid.New(),
		OrderID:     order.ID,
		BuyerID:     buyer.ID,
		Score:       result.Score,
		Explanation: result.Explanation,
		Source:      fmt.Sprintf("%T", p.classifier),
	}
	if err := p.db.Create(&alert).Error; err != nil {
		p.logger.Error("fraud alert write failed", "orderRef", order.Reference, "error", err)
		return
	}
	p.logger.Warn("checkout flagged for review",
		"orderRef", order.Reference, "score", result.Score, "explanation", result.Explanation)
}

// grantCheckoutRewards issues buyer-side rewards. Organic points require an
// all-organic order; zero-waste points are granted per checkout.
func (p *Processor) grantCheckoutRewards(order *models.Order, items []models.CartItem, products map[uuid.UUID]models.Product, issuedAt time.Time) {
	allOrganic := true
	for _, item := range items {
		if !products[item.ProductID].Organic {
			allOrganic = false
			break
		}
	}
	if allOrganic {
		if err := p.catalogue.Grant(p.db, order.BuyerID, order.ID, models.RewardOrganic, issuedAt); err != nil {
			p.logger.Error("organic reward grant failed", "orderRef", order.Reference, "error", err)
		}
	}
	if err := p.catalogue.Grant(p.db, order.BuyerID, order.ID, models.RewardZeroWaste, issuedAt); err != nil {
		p.logger.Error("zero-waste reward grant failed", "orderRef", order.Reference, "error", err)
	}
}

// recordProvenance appends a history entry for every registered line item.
// Best-effort: the escrow outcome is never tied to provenance writes.
func (p *Processor) recordProvenance(ctx context.Context, signer chain.Signer, order *models.Order, items []models.CartItem, products map[uuid.UUID]models.Product, action string) {
	for _, item := range items {
		product := products[item.ProductID]
		if !product.Registered {
			continue
		}
		tx, err := p.client.UpdateHistory(ctx, signer, product.ID.String(), action)
		if err != nil {
			p.logger.Warn("provenance update failed",
				"orderRef", order.Reference, "productId", product.ID, "error", err)
			continue
		}
		if receipt, err := tx.Wait(ctx); err != nil || !receipt.Ok() {
			p.logger.Warn("provenance update not mined cleanly",
				"orderRef", order.Reference, "productId", product.ID)
		}
	}
}

func (p *Processor) recordDeliveryProvenance(ctx context.Context, signer chain.Signer, order *models.Order) {
	var lines []models.OrderItem
	if err := p.db.Where("order_id = ?", order.ID).Find(&lines).Error; err != nil {
		p.logger.Warn("order line load failed", "orderRef", order.Reference, "error", err)
		return
	}
	for _, line := range lines {
		var product models.Product
		if err := p.db.First(&product, "id = ?", line.ProductID).Error; err != nil || !product.Registered {
			continue
		}
		tx, err := p.client.UpdateHistory(ctx, signer, product.ID.String(),
			fmt.Sprintf("Delivered in order %s", order.Reference))
		if err != nil {
			p.logger.Warn("provenance update failed",
				"orderRef", order.Reference, "productId", product.ID, "error", err)
			continue
		}
		if receipt, err := tx.Wait(ctx); err != nil || !receipt.Ok() {
			p.logger.Warn("provenance update not mined cleanly",
				"orderRef", order.Reference, "productId", product.ID)
		}
	}
}
