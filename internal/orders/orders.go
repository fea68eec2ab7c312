package orders

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trailstop-api/internal/evaluator"
	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/types"
	"github.com/ksred/trailstop-api/pkg/response"
)

// Service handles order creation, cancellation and queries. Monitoring and
// execution mutate orders through the same Database, never through Service.
type Service struct {
	db       *Database
	notifier notify.Notifier
}

// NewService creates a new order service with the given database connection.
func NewService(gormDB *gorm.DB, notifier notify.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		notifier: notifier,
	}
}

// GetDB exposes the order store to the monitor loop and dispatcher.
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateOrder validates the request and persists a new active trailing order.
// The initial high-water mark is the entry price and the initial stop is
// computed with the same formula the evaluator ratchets with afterwards.
func (s *Service) CreateOrder(userAddress string, req types.CreateOrderRequest) (*types.Order, error) {
	stopPrice, err := evaluator.StopPrice(req.EntryPrice, req.TrailDistance, req.TrailDistanceType)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	order := &types.Order{
		OrderID:           uuid.New().String(),
		UserAddress:       userAddress,
		AssetID:           req.AssetID,
		Amount:            req.Amount,
		EntryPrice:        req.EntryPrice,
		HighWaterMark:     req.EntryPrice,
		TrailDistance:     req.TrailDistance,
		TrailDistanceType: req.TrailDistanceType,
		StopPrice:         stopPrice,
		TakeProfitPrice:   req.TakeProfitPrice,
		Status:            types.StatusActive,
		CurrentPrice:      req.EntryPrice,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.db.CreateOrder(order); err != nil {
		return nil, err
	}

	notify.Emit(s.notifier, notify.Event{Kind: notify.EventOrderCreated, Order: *order})

	return order, nil
}

// CancelOrder cancels an active order owned by the user. Cancellation races
// against trigger detection through the version guard: whichever write lands
// first wins, the loser gets ErrConflictingState or ErrStaleVersion.
func (s *Service) CancelOrder(orderID, userAddress string) (*types.Order, error) {
	order, err := s.db.GetOrderByIDAndUser(orderID, userAddress)
	if err != nil {
		return nil, err
	}

	if err := s.db.TransitionStatus(order, types.StatusCancelled, nil); err != nil {
		return nil, err
	}

	notify.Emit(s.notifier, notify.Event{Kind: notify.EventOrderCancelled, Order: *order})

	return order, nil
}

// GetOrder retrieves a single order owned by the user.
func (s *Service) GetOrder(orderID, userAddress string) (*types.Order, error) {
	return s.db.GetOrderByIDAndUser(orderID, userAddress)
}

// ListOrders returns the user's orders filtered by scope: "active" (still
// monitored), "closed" (terminal) or "all".
func (s *Service) ListOrders(userAddress, scope string) ([]types.Order, error) {
	switch scope {
	case "active", "":
		return s.db.ListOrdersByUser(userAddress, []string{
			types.StatusActive, types.StatusTriggered, types.StatusExecuting,
		})
	case "closed":
		return s.db.ListOrdersByUser(userAddress, []string{
			types.StatusExecuted, types.StatusCancelled, types.StatusFailed,
		})
	case "all":
		return s.db.ListOrdersByUser(userAddress, nil)
	default:
		return nil, errors.New("invalid scope: must be active, closed or all")
	}
}

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// userAddress pulls the authenticated address injected by the JWT middleware.
func userAddress(c *gin.Context) string {
	return c.GetString("userAddress")
}

// CreateOrderHandler handles POST requests to create new trailing orders.
// The owner address comes from the token claims, never from the body.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := userAddress(c)
		if addr == "" {
			response.Unauthorized(c, "Missing user address in token")
			return
		}

		var req types.CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(addr, req)
		if err != nil {
			log.Warn().Err(err).Str("user_address", addr).Msg("order creation rejected")
			response.BadRequest(c, err.Error())
			return
		}

		response.Success(c, order)
	}
}

// CancelOrderHandler handles DELETE requests to cancel active orders.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := userAddress(c)
		if addr == "" {
			response.Unauthorized(c, "Missing user address in token")
			return
		}

		order, err := h.service.CancelOrder(c.Param("order_id"), addr)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests for a single order.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := userAddress(c)
		if addr == "" {
			response.Unauthorized(c, "Missing user address in token")
			return
		}

		order, err := h.service.GetOrder(c.Param("order_id"), addr)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for a user's orders.
// Query parameter: scope=active|closed|all (default active)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := userAddress(c)
		if addr == "" {
			response.Unauthorized(c, "Missing user address in token")
			return
		}

		orders, err := h.service.ListOrders(addr, c.Query("scope"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		response.Success(c, orders)
	}
}
