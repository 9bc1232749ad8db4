package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agriclear/services/market-gateway/auth"
	"agriclear/services/market-gateway/settlement"
)

// Hub fans order updates out to websocket subscribers. Each subscriber only
// receives updates for orders its role owns: buyers their purchases, farmers
// their sales. Logistics and admin sessions see everything.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	userID string
	role   auth.Role
	ch     chan settlement.OrderUpdate
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *Hub) publish(update settlement.OrderUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(update) {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			// Slow consumer; drop rather than stall the settlement path.
			h.logger.Warn("order stream subscriber lagging, update dropped",
				"userId", sub.userID)
		}
	}
}

func (s *subscriber) wants(update settlement.OrderUpdate) bool {
	switch s.role {
	case auth.RoleBuyer:
		return update.BuyerID == s.userID
	case auth.RoleFarmer:
		return update.FarmerID == s.userID
	case auth.RoleLogistics, auth.RoleAdmin:
		return true
	default:
		return false
	}
}

// handleOrderStream upgrades the request and streams order updates until the
// client disconnects.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "userId", user.ID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := &subscriber{
		userID: user.ID.String(),
		role:   auth.Role(user.Role),
		ch:     make(chan settlement.OrderUpdate, 16),
	}
	s.hub.add(sub)
	defer s.hub.remove(sub)

	ctx := r.Context()
	// Reads are discarded; the read loop exists to notice the peer closing.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case update := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, update)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
