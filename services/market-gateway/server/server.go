// Package server exposes the marketplace REST surface over chi, with JWT
// sessions, idempotent mutations and an order-status websocket stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agriclear/chain"
	"agriclear/native/provenance"
	"agriclear/services/market-gateway/auth"
	"agriclear/services/market-gateway/fraud"
	gwmw "agriclear/services/market-gateway/middleware"
	"agriclear/services/market-gateway/models"
	"agriclear/services/market-gateway/rewards"
	"agriclear/services/market-gateway/settlement"
)

type userContextKey struct{}

// Config bundles the server's dependencies.
type Config struct {
	DB        *gorm.DB
	Verifier  *auth.Verifier
	Processor *settlement.Processor
	Client    chain.SettlementClient
	// Classifier screens high-priced listings asynchronously. Optional.
	Classifier fraud.Classifier
	// ListingScreenMinor is the listing price at which screening kicks in.
	// Zero means the default of 100000 minor units.
	ListingScreenMinor int64
	// PlatformWallet signs provenance registrations for users whose profile
	// carries no usable wallet. Optional.
	PlatformWallet common.Address
	Observability  *gwmw.Observability
	Logger         *slog.Logger
}

// Server is the marketplace gateway.
type Server struct {
	db           *gorm.DB
	verifier     *auth.Verifier
	processor    *settlement.Processor
	client       chain.SettlementClient
	classifier     fraud.Classifier
	screenMinor    int64
	platformWallet common.Address
	obs            *gwmw.Observability
	logger         *slog.Logger
	hub            *Hub
}

// New constructs the Server, applying defaults for optional fields.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: DB is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: verifier is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("server: settlement processor is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("server: chain client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observability == nil {
		cfg.Observability = gwmw.NewObservability(gwmw.ObservabilityConfig{}, cfg.Logger)
	}
	if cfg.ListingScreenMinor <= 0 {
		cfg.ListingScreenMinor = 100_000
	}
	return &Server{
		db:             cfg.DB,
		verifier:       cfg.Verifier,
		processor:      cfg.Processor,
		client:         cfg.Client,
		classifier:     cfg.Classifier,
		screenMinor:    cfg.ListingScreenMinor,
		platformWallet: cfg.PlatformWallet,
		obs:            cfg.Observability,
		logger:         cfg.Logger,
		hub:            newHub(cfg.Logger),
	}, nil
}

// Publish forwards an order update to websocket subscribers. Wire this as the
// settlement processor's and reconciler's notify hook.
func (s *Server) Publish(update settlement.OrderUpdate) {
	s.hub.publish(update)
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/api", func(api chi.Router) {
		api.With(s.obs.Middleware("products_list")).Get("/products", s.handleListProducts)
		api.With(s.obs.Middleware("products_get")).Get("/products/{id}", s.handleGetProduct)
		api.With(s.obs.Middleware("products_provenance")).Get("/products/{id}/provenance", s.handleProductProvenance)

		api.Group(func(priv chi.Router) {
			priv.Use(s.verifier.Authenticate)
			priv.Use(s.ensureUser)
			priv.Use(func(next http.Handler) http.Handler {
				return gwmw.WithIdempotency(s.db, next)
			})

			farmer := priv.With(auth.RequireRole(auth.RoleFarmer))
			farmer.With(s.obs.Middleware("products_create")).Post("/products", s.handleCreateProduct)
			farmer.With(s.obs.Middleware("products_update")).Put("/products/{id}", s.handleUpdateProduct)
			farmer.With(s.obs.Middleware("products_register")).Post("/products/{id}/register", s.handleRegisterProduct)
			farmer.With(s.obs.Middleware("orders_progress")).Post("/orders/{ref}/status", s.handleOrderProgress)

			buyer := priv.With(auth.RequireRole(auth.RoleBuyer))
			buyer.With(s.obs.Middleware("cart_list")).Get("/cart", s.handleListCart)
			buyer.With(s.obs.Middleware("cart_add")).Post("/cart", s.handleAddToCart)
			buyer.With(s.obs.Middleware("cart_remove")).Delete("/cart/{productId}", s.handleRemoveFromCart)
			buyer.With(s.obs.Middleware("checkout")).Post("/checkout", s.handleCheckout)
			buyer.With(s.obs.Middleware("orders_confirm_delivery")).Post("/orders/{ref}/confirm-delivery", s.handleConfirmDelivery)

			priv.With(auth.RequireRole(auth.RoleLogistics), s.obs.Middleware("orders_shipment")).
				Post("/orders/{ref}/shipment", s.handleShipment)
			priv.With(auth.RequireRole(auth.RoleAdmin), s.obs.Middleware("fraud_alerts")).
				Get("/fraud-alerts", s.handleFraudAlerts)

			priv.With(s.obs.Middleware("orders_list")).Get("/orders", s.handleListOrders)
			priv.With(s.obs.Middleware("orders_get")).Get("/orders/{ref}", s.handleGetOrder)
			priv.With(s.obs.Middleware("rewards_list")).Get("/rewards", s.handleListRewards)
			priv.Get("/ws/orders", s.handleOrderStream)
		})
	})
	return r
}

// ensureUser resolves the session to a stored user row, creating it on first
// contact. Profiles arriving without a wallet get a deterministic one derived
// from the subject id so settlement always has an address to sign with.
func (s *Server) ensureUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.FromContext(r.Context())
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "no session")
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "session subject is not a user id")
			return
		}
		var user models.User
		err = s.db.First(&user, "id = ?", userID).Error
		switch {
		case err == nil:
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = models.User{
				ID:            userID,
				Role:          string(claims.Role),
				WalletAddress: claims.WalletAddress,
			}
			if !common.IsHexAddress(strings.TrimSpace(user.WalletAddress)) {
				user.WalletAddress = deriveWallet(userID).Hex()
			}
			if err := s.db.Create(&user).Error; err != nil {
				writeErr(w, http.StatusInternalServerError, "user provisioning failed")
				return
			}
			s.logger.Info("provisioned user",
				"userId", userID, "role", user.Role, "wallet", user.WalletAddress)
		default:
			writeErr(w, http.StatusInternalServerError, "user lookup failed")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deriveWallet(userID uuid.UUID) common.Address {
	sum := ethcrypto.Keccak256([]byte("agriclear/wallet/" + userID.String()))
	return common.BytesToAddress(sum[12:])
}

func currentUser(r *http.Request) models.User {
	user, _ := r.Context().Value(userContextKey{}).(models.User)
	return user
}

// --- products ---

type productPayload struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	PriceMinor  int64  `json:"priceMinor"`
	Quantity    int    `json:"quantity"`
	Organic     bool   `json:"organic"`
	Register    bool   `json:"register"`
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := s.db.Order("created_at DESC")
	if category := r.URL.Query().Get("category"); category != "" {
		q = q.Where("category = ?", category)
	}
	if farmer := r.URL.Query().Get("farmerId"); farmer != "" {
		q = q.Where("farmer_id = ?", farmer)
	}
	var products []models.Product
	if err := q.Find(&products).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "product query failed")
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	var product models.Product
	if err := s.db.First(&product, "id = ?", chi.URLParam(r, "id")).Error; err != nil {
		writeErr(w, http.StatusNotFound, "product not found")
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleProductProvenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := s.client.ProductHistory(r.Context(), id)
	if err != nil {
		if errors.Is(err, provenance.ErrNotRegistered) {
			writeErr(w, http.StatusNotFound, "product has no provenance record")
			return
		}
		s.logger.Error("provenance query failed", "productId", id, "error", err)
		writeErr(w, http.StatusBadGateway, "provenance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"productId": id,
		"history":   history,
	})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var payload productPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeErr(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if payload.PriceMinor <= 0 {
		writeErr(w, http.StatusUnprocessableEntity, "priceMinor must be positive")
		return
	}
	if payload.Quantity < 0 {
		writeErr(w, http.StatusUnprocessableEntity, "quantity cannot be negative")
		return
	}
	product := models.Product{
		ID:          uuid.New(),
		FarmerID:    user.ID,
		Name:        strings.TrimSpace(payload.Name),
		Category:    strings.TrimSpace(payload.Category),
		Description: payload.Description,
		PriceMinor:  payload.PriceMinor,
		Quantity:    payload.Quantity,
		Organic:     payload.Organic,
	}
	if err := s.db.Create(&product).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "product create failed")
		return
	}
	if payload.Register {
		if err := s.registerOnChain(r.Context(), &product, user); err != nil {
			s.logger.Error("product registration failed",
				"productId", product.ID, "error", err)
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"product": product,
				"warning": "created but provenance registration failed",
			})
			return
		}
	}
	s.screenListing(product, user)
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var product models.Product
	if err := s.db.First(&product, "id = ? AND farmer_id = ?", chi.URLParam(r, "id"), user.ID).Error; err != nil {
		writeErr(w, http.StatusNotFound, "product not found")
		return
	}
	var payload productPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.PriceMinor <= 0 {
		writeErr(w, http.StatusUnprocessableEntity, "priceMinor must be positive")
		return
	}
	if payload.Quantity < 0 {
		writeErr(w, http.StatusUnprocessableEntity, "quantity cannot be negative")
		return
	}
	updates := map[string]interface{}{
		"price_minor": payload.PriceMinor,
		"quantity":    payload.Quantity,
		"organic":     payload.Organic,
		"description": payload.Description,
	}
	if strings.TrimSpace(payload.Name) != "" {
		updates["name"] = strings.TrimSpace(payload.Name)
	}
	if strings.TrimSpace(payload.Category) != "" {
		updates["category"] = strings.TrimSpace(payload.Category)
	}
	if err := s.db.Model(&product).Updates(updates).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "product update failed")
		return
	}
	s.db.First(&product, "id = ?", product.ID)
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleRegisterProduct(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var product models.Product
	if err := s.db.First(&product, "id = ? AND farmer_id = ?", chi.URLParam(r, "id"), user.ID).Error; err != nil {
		writeErr(w, http.StatusNotFound, "product not found")
		return
	}
	if product.Registered {
		writeErr(w, http.StatusConflict, "product already registered")
		return
	}
	if err := s.registerOnChain(r.Context(), &product, user); err != nil {
		s.logger.Error("product registration failed", "productId", product.ID, "error", err)
		writeErr(w, http.StatusBadGateway, "provenance registration failed")
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) registerOnChain(ctx context.Context, product *models.Product, user models.User) error {
	actor := s.platformWallet
	if common.IsHexAddress(strings.TrimSpace(user.WalletAddress)) {
		actor = common.HexToAddress(user.WalletAddress)
	}
	if actor == (common.Address{}) {
		return settlement.ErrNoWallet
	}
	signer := chain.AddressSigner(actor)
	tx, err := s.client.RegisterProduct(ctx, signer, product.ID.String(), product.Name, product.Category)
	if err != nil {
		return err
	}
	receipt, err := tx.Wait(ctx)
	if err != nil {
		return err
	}
	if !receipt.Ok() {
		return fmt.Errorf("registration rejected on chain: %s", receipt.Err)
	}
	if err := s.db.Model(product).Update("registered", true).Error; err != nil {
		return err
	}
	product.Registered = true
	return nil
}

// screenListing sends high-priced listings to the fraud classifier in the
// background. Verdicts land as alert rows and never block the response.
func (s *Server) screenListing(product models.Product, farmer models.User) {
	if s.classifier == nil || product.PriceMinor < s.screenMinor {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := s.classifier.Classify(ctx, fraud.Signal{
			OrderRef:   "listing:" + product.ID.String(),
			BuyerID:    farmer.ID.String(),
			TotalMinor: product.PriceMinor,
			ItemCount:  1,
		})
		if err != nil {
			s.logger.Warn("listing screen failed", "productId", product.ID, "error", err)
			return
		}
		if !result.Fraudulent {
			return
		}
		alert := models.FraudAlert{
			ID:          uuid.New(),
			OrderID:     product.ID,
			BuyerID:     farmer.ID,
			Score:       result.Score,
			Explanation: result.Explanation,
			Source:      "listing-screen",
		}
		if err := s.db.Create(&alert).Error; err != nil {
			s.logger.Error("listing alert write failed", "productId", product.ID, "error", err)
			return
		}
		s.logger.Warn("listing flagged for review",
			"productId", product.ID, "score", result.Score)
	}()
}

// --- cart ---

type cartPayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type cartLine struct {
	ProductID  uuid.UUID `json:"productId"`
	Name       string    `json:"name"`
	PriceMinor int64     `json:"priceMinor"`
	Quantity   int       `json:"quantity"`
	LineMinor  int64     `json:"lineMinor"`
}

func (s *Server) handleListCart(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var items []models.CartItem
	if err := s.db.Where("buyer_id = ?", user.ID).Find(&items).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "cart query failed")
		return
	}
	lines := make([]cartLine, 0, len(items))
	var total int64
	for _, item := range items {
		var product models.Product
		if err := s.db.First(&product, "id = ?", item.ProductID).Error; err != nil {
			continue
		}
		line := cartLine{
			ProductID:  product.ID,
			Name:       product.Name,
			PriceMinor: product.PriceMinor,
			Quantity:   item.Quantity,
			LineMinor:  product.PriceMinor * int64(item.Quantity),
		}
		total += line.LineMinor
		lines = append(lines, line)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":      lines,
		"totalMinor": total,
	})
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var payload cartPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	productID, err := uuid.Parse(payload.ProductID)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, "productId must be a uuid")
		return
	}
	if payload.Quantity <= 0 {
		writeErr(w, http.StatusUnprocessableEntity, "quantity must be positive")
		return
	}
	var product models.Product
	if err := s.db.First(&product, "id = ?", productID).Error; err != nil {
		writeErr(w, http.StatusNotFound, "product not found")
		return
	}
	if product.Quantity < payload.Quantity {
		writeErr(w, http.StatusConflict, "insufficient stock")
		return
	}
	item := models.CartItem{
		ID:        uuid.New(),
		BuyerID:   user.ID,
		ProductID: productID,
		Quantity:  payload.Quantity,
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "buyer_id"}, {Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"quantity": payload.Quantity}),
	}).Create(&item).Error
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "cart write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	productID := chi.URLParam(r, "productId")
	if err := s.db.Where("buyer_id = ? AND product_id = ?", user.ID, productID).
		Delete(&models.CartItem{}).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "cart delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// --- orders ---

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	order, err := s.processor.Checkout(r.Context(), user)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrEmptyCart),
			errors.Is(err, settlement.ErrMixedFarmers),
			errors.Is(err, settlement.ErrInsufficientStock),
			errors.Is(err, settlement.ErrNoWallet):
			writeErr(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, settlement.ErrSettlementInFlight):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, settlement.ErrChainRejected):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"order": order,
				"error": err.Error(),
			})
		default:
			s.logger.Error("checkout failed", "userId", user.ID, "error", err)
			writeErr(w, http.StatusBadGateway, "checkout failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	q := s.db.Preload("Items").Order("created_at DESC")
	switch auth.Role(user.Role) {
	case auth.RoleBuyer:
		q = q.Where("buyer_id = ?", user.ID)
	case auth.RoleFarmer:
		q = q.Where("farmer_id = ?", user.ID)
	case auth.RoleLogistics:
		q = q.Where("status IN ?", []models.OrderStatus{models.StatusProcessing, models.StatusShipped})
	case auth.RoleAdmin:
	default:
		writeErr(w, http.StatusForbidden, "role cannot list orders")
		return
	}
	var orders []models.Order
	if err := q.Find(&orders).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "order query failed")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) loadVisibleOrder(r *http.Request, ref string) (*models.Order, error) {
	user := currentUser(r)
	var order models.Order
	if err := s.db.Preload("Items").First(&order, "reference = ?", ref).Error; err != nil {
		return nil, err
	}
	switch auth.Role(user.Role) {
	case auth.RoleBuyer:
		if order.BuyerID != user.ID {
			return nil, gorm.ErrRecordNotFound
		}
	case auth.RoleFarmer:
		if order.FarmerID != user.ID {
			return nil, gorm.ErrRecordNotFound
		}
	case auth.RoleLogistics, auth.RoleAdmin:
	default:
		return nil, gorm.ErrRecordNotFound
	}
	return &order, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.loadVisibleOrder(r, chi.URLParam(r, "ref"))
	if err != nil {
		writeErr(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type progressPayload struct {
	Status models.OrderStatus `json:"status"`
}

// handleOrderProgress lets the farmer walk a confirmed order through the
// fulfilment stages. These are off-chain only; escrow custody is untouched.
func (s *Server) handleOrderProgress(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var order models.Order
	if err := s.db.First(&order, "reference = ? AND farmer_id = ?", chi.URLParam(r, "ref"), user.ID).Error; err != nil {
		writeErr(w, http.StatusNotFound, "order not found")
		return
	}
	var payload progressPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	allowed := map[models.OrderStatus]models.OrderStatus{
		models.StatusProcessing: models.StatusConfirmed,
		models.StatusShipped:    models.StatusProcessing,
	}
	from, ok := allowed[payload.Status]
	if !ok {
		writeErr(w, http.StatusUnprocessableEntity, "status must be processing or shipped")
		return
	}
	if order.Status != from {
		writeErr(w, http.StatusConflict,
			fmt.Sprintf("cannot move %s order to %s", order.Status, payload.Status))
		return
	}
	if err := s.db.Model(&order).Updates(map[string]interface{}{
		"status":     payload.Status,
		"updated_at": time.Now(),
	}).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "order update failed")
		return
	}
	order.Status = payload.Status
	s.hub.publish(settlement.OrderUpdate{
		OrderRef: order.Reference,
		BuyerID:  order.BuyerID.String(),
		FarmerID: order.FarmerID.String(),
		Status:   order.Status,
	})
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	order, err := s.processor.ConfirmDelivery(r.Context(), chi.URLParam(r, "ref"), user)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrOrderNotFound):
			writeErr(w, http.StatusNotFound, "order not found")
		case errors.Is(err, settlement.ErrWrongStatus):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, settlement.ErrSettlementInFlight):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, settlement.ErrChainRejected):
			writeErr(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("delivery confirmation failed",
				"orderRef", chi.URLParam(r, "ref"), "error", err)
			writeErr(w, http.StatusBadGateway, "delivery confirmation failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type shipmentPayload struct {
	PickedUp  bool   `json:"pickedUp"`
	Delivered bool   `json:"delivered"`
	Notes     string `json:"notes"`
}

func (s *Server) handleShipment(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var order models.Order
	if err := s.db.First(&order, "reference = ?", chi.URLParam(r, "ref")).Error; err != nil {
		writeErr(w, http.StatusNotFound, "order not found")
		return
	}
	var payload shipmentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var shipment models.Shipment
	err := s.db.First(&shipment, "order_id = ?", order.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		shipment = models.Shipment{
			ID:        uuid.New(),
			OrderID:   order.ID,
			CarrierID: user.ID,
		}
	} else if err != nil {
		writeErr(w, http.StatusInternalServerError, "shipment query failed")
		return
	}
	now := time.Now()
	if payload.PickedUp && shipment.PickedUpAt == nil {
		shipment.PickedUpAt = &now
	}
	if payload.Delivered && shipment.DeliveredAt == nil {
		shipment.DeliveredAt = &now
	}
	if payload.Notes != "" {
		shipment.Notes = payload.Notes
	}
	if err := s.db.Save(&shipment).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "shipment write failed")
		return
	}
	writeJSON(w, http.StatusOK, shipment)
}

// --- rewards and alerts ---

func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var grants []models.Reward
	if err := s.db.Where("user_id = ?", user.ID).Order("issued_at DESC").Find(&grants).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "reward query failed")
		return
	}
	total, err := rewards.TotalPoints(s.db, user.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "reward total failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rewards":     grants,
		"totalPoints": total,
	})
}

func (s *Server) handleFraudAlerts(w http.ResponseWriter, _ *http.Request) {
	var alerts []models.FraudAlert
	if err := s.db.Order("created_at DESC").Find(&alerts).Error; err != nil {
		writeErr(w, http.StatusInternalServerError, "alert query failed")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
