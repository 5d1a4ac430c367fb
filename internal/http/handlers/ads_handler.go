// Catalog HTTP handlers.
//
// This file exposes REST endpoints for ad catalog management and analytics:
//   - POST /ads/create      (create a catalog record)
//   - POST /ads/impression  (record an exposure)
//   - POST /ads/click       (record a click)
//   - GET  /ads             (list, paginated)
//
// All endpoints here sit behind API-key authentication; the serve endpoint in
// serve_handler.go is the only open surface besides health.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/repo"
	"github.com/pesabank/go-adserver-backend/internal/utils"
)

//
// DTOs
//

// AdEventRequest is the JSON payload for impression and click recording.
type AdEventRequest struct {
	// AdID identifies the catalog record being counted.
	AdID string `json:"adId" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// CustomerID optionally ties an impression to a customer profile.
	CustomerID string `json:"customerId,omitempty" example:"CUST-000123"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListAdsResponse wraps a page of ads and pagination information.
type ListAdsResponse struct {
	Ads        []domain.Ad `json:"ads"`
	Pagination Pagination  `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// validateAd checks the create payload for the fields the pipeline depends
// on. Defaults (id, channels, priority, status) are applied by the repository.
func validateAd(ad *domain.Ad) string {
	switch {
	case strings.TrimSpace(ad.Title) == "":
		return "title is required"
	case strings.TrimSpace(ad.ImageURL) == "":
		return "imageUrl is required"
	case len(ad.Segments) == 0:
		return "segments must be a non-empty list"
	case ad.StartDate.IsZero() || ad.EndDate.IsZero():
		return "startDate and endDate are required"
	case ad.EndDate.Before(ad.StartDate):
		return "endDate must not precede startDate"
	case ad.Status != "" && ad.Status != domain.StatusActive && ad.Status != domain.StatusInactive:
		return "status must be active or inactive"
	case ad.Priority < 0:
		return "priority must be positive"
	}
	return ""
}

//
// Handlers
//

// CreateAd godoc
// @ID          createAd
// @Summary     Create a new ad
// @Description Persists a catalog record and invalidates cached serve responses its targeting touches.
// @Tags        Ads
// @Accept      json
// @Produce     json
//
// @Param       X-API-Key  header  string     true  "API key"
// @Param       body       body    domain.Ad  true  "Ad payload"
//
// @Success     201  {object}  domain.Ad
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing API key"
// @Failure     403  {object}  handlers.ErrorResponse  "Invalid API key"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /ads/create [post]
func (h *Handlers) CreateAd(c *gin.Context) {
	var ad domain.Ad
	if err := c.ShouldBindJSON(&ad); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if msg := validateAd(&ad); msg != "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, msg)
		return
	}

	created, err := h.svc.Create(c.Request.Context(), &ad)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "failed to create ad")
		return
	}
	ok(c, http.StatusCreated, created)
}

// RecordImpression godoc
// @ID          recordImpression
// @Summary     Record an ad impression
// @Description Increments the ad's impression counter; when customerId is present the exposure also feeds the customer's frequency-cap history.
// @Tags        Analytics
// @Accept      json
// @Produce     json
//
// @Param       X-API-Key  header  string                   true  "API key"
// @Param       body       body    handlers.AdEventRequest  true  "Impression payload"
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Ad not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /ads/impression [post]
func (h *Handlers) RecordImpression(c *gin.Context) {
	var req AdEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "adId is required")
		return
	}

	err := h.svc.Impression(c.Request.Context(), req.AdID, strings.TrimSpace(req.CustomerID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ad not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to record impression")
		return
	}
	noContent(c)
}

// RecordClick godoc
// @ID          recordClick
// @Summary     Record an ad click
// @Description Increments the ad's click counter.
// @Tags        Analytics
// @Accept      json
// @Produce     json
//
// @Param       X-API-Key  header  string                   true  "API key"
// @Param       body       body    handlers.AdEventRequest  true  "Click payload"
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Ad not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /ads/click [post]
func (h *Handlers) RecordClick(c *gin.Context) {
	var req AdEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "adId is required")
		return
	}

	if err := h.svc.Click(c.Request.Context(), req.AdID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ad not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to record click")
		return
	}
	noContent(c)
}

// ListAds godoc
// @ID          listAds
// @Summary     List ads (paginated)
// @Description Returns a page of catalog records ordered by creation time, newest first.
// @Tags        Ads
// @Produce     json
//
// @Param       X-API-Key  header  string  true  "API key"
// @Param       page       query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListAdsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing API key"
// @Failure     403  {object}  handlers.ErrorResponse  "Invalid API key"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /ads [get]
func (h *Handlers) ListAds(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.svc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "failed to list ads")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListAdsResponse{
		Ads: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
