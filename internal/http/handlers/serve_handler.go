// Serve HTTP handler.
//
// This file exposes the hot-path endpoint:
//   - POST /ads/serve  (pick one ad for a customer)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Business behavior (caching,
// filtering, scoring, fallbacks) lives in the serving package.
package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/serving"
)

// maxCustomerIDLen caps the accepted customer identifier length.
const maxCustomerIDLen = 64

//
// Service contract (context-aware)
//

// AdService defines the ad-serving and catalog operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AdService interface {
	// Serve selects one ad for the customer described by balance, channel
	// and customerID.
	Serve(ctx context.Context, balance float64, channel domain.Channel, customerID string) (*domain.ServeResponse, error)
	// Create persists a new ad and returns the stored record.
	Create(ctx context.Context, ad *domain.Ad) (*domain.Ad, error)
	// Impression records an ad exposure, optionally tied to a customer.
	Impression(ctx context.Context, adID, customerID string) error
	// Click records an ad click.
	Click(ctx context.Context, adID string) error
	// ListPage returns a page of catalog records and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Ad, int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for ad serving and catalog management.
// It depends on an abstract service interface to keep transport concerns
// separate from business logic.
type Handlers struct {
	svc AdService
}

// New constructs and returns a Handlers instance bound to the given service.
func New(svc AdService) *Handlers {
	return &Handlers{svc: svc}
}

//
// DTOs
//

// ServeRequest is the JSON payload for the serve endpoint.
type ServeRequest struct {
	// Balance is the customer's account balance used for segment derivation.
	Balance float64 `json:"balance" example:"125000"`
	// Channel is the delivery surface; defaults to ATM when absent.
	Channel string `json:"channel,omitempty" example:"ATM"`
	// CustomerID identifies the customer (1-64 chars after trimming).
	CustomerID string `json:"customerId" example:"CUST-000123"`
}

//
// Handlers
//

// ServeAd godoc
// @ID          serveAd
// @Summary     Serve one ad
// @Description Selects the best matching ad for a customer based on balance-derived segment, channel, time of day and exposure history.
// @Tags        Ads
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.ServeRequest  true  "Serve payload"
//
// @Success     200  {object}  domain.ServeResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "No ad available"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /ads/serve [post]
func (h *Handlers) ServeAd(c *gin.Context) {
	var req ServeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "customerId is required")
		return
	}
	if len(customerID) > maxCustomerIDLen {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "customerId must be at most 64 characters")
		return
	}
	if math.IsNaN(req.Balance) || math.IsInf(req.Balance, 0) || req.Balance < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "balance must be a non-negative number")
		return
	}

	channel := domain.Channel(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = domain.DefaultChannel
	}

	resp, err := h.svc.Serve(c.Request.Context(), req.Balance, channel, customerID)
	if err != nil {
		if errors.Is(err, serving.ErrNoAdAvailable) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "No ad available")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeServeFailed, "Failed to serve ad")
		return
	}
	ok(c, http.StatusOK, resp)
}
