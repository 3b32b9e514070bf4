package dispute

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loopmarket/dealdesk/internal/escrow"
	"github.com/loopmarket/dealdesk/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
	queue   *QueueService
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, queue *QueueService) *Handler {
	return &Handler{service: service, queue: queue}
}

// RegisterRoutes sets up dispute routes. All routes expect the actor
// middleware to have populated actorUserID.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.RaiseDispute)
	r.GET("/disputes/queue", h.GetQueue)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/events", h.ListEvents)
	r.POST("/disputes/:id/status", h.TransitionStatus)
	r.POST("/disputes/:id/assign", h.AssignDispute)
	r.POST("/disputes/:id/evidence", h.AttachEvidence)
	r.POST("/disputes/:id/escrow/hold", h.ApplyEscrowHold)
	r.POST("/disputes/:id/escrow/counter", h.RecordCounterProposal)
	r.POST("/disputes/:id/escrow/payout", h.SettleEscrowPayout)
}

// RaiseDispute handles POST /v1/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Summary = validation.SanitizeString(req.Summary, 500)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	validators := []func() *validation.ValidationError{
		validation.Required("summary", req.Summary),
		validation.Required("negotiationId", req.NegotiationID),
	}
	for _, a := range req.Attachments {
		validators = append(validators, validation.ValidURL("attachments.url", a.URL))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if actor := c.GetString("actorUserID"); actor != "" {
		req.RaisedByUserID = actor
	}

	d, err := h.service.Raise(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNegotiationNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "negotiation_not_found",
				"message": "Negotiation not found",
			})
		case errors.Is(err, ErrDuplicateActiveDispute):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_dispute",
				"message": "Negotiation already has an active dispute",
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "dispute_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListEvents handles GET /v1/disputes/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	events, err := h.service.Events(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

type transitionRequest struct {
	Status Status `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// TransitionStatus handles POST /v1/disputes/:id/status
func (h *Handler) TransitionStatus(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A valid target status is required",
		})
		return
	}

	d, err := h.service.TransitionStatus(c.Request.Context(), c.Param("id"),
		req.Status, c.GetString("actorUserID"), validation.SanitizeString(req.Note, 1000))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type assignRequest struct {
	AssigneeUserID string `json:"assigneeUserId" binding:"required"`
}

// AssignDispute handles POST /v1/disputes/:id/assign
func (h *Handler) AssignDispute(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "assigneeUserId is required",
		})
		return
	}

	d, err := h.service.Assign(c.Request.Context(), c.Param("id"),
		req.AssigneeUserID, c.GetString("actorUserID"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AttachEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AttachEvidence(c *gin.Context) {
	var req AttachmentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.ValidURL("url", req.URL),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ev, err := h.service.AttachEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("actorUserID"), req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

type holdRequest struct {
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// ApplyEscrowHold handles POST /v1/disputes/:id/escrow/hold
func (h *Handler) ApplyEscrowHold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.ApplyEscrowHold(c.Request.Context(), c.Param("id"),
		c.GetString("actorUserID"), req.Amount, validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type counterRequest struct {
	Amount string `json:"amount" binding:"required"`
	Note   string `json:"note"`
}

// RecordCounterProposal handles POST /v1/disputes/:id/escrow/counter
func (h *Handler) RecordCounterProposal(c *gin.Context) {
	var req counterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.RecordCounterProposal(c.Request.Context(), c.Param("id"),
		c.GetString("actorUserID"), req.Amount, validation.SanitizeString(req.Note, 1000))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type payoutRequest struct {
	Amount    string                 `json:"amount" binding:"required"`
	Direction escrow.PayoutDirection `json:"direction" binding:"required"`
	Note      string                 `json:"note"`
}

// SettleEscrowPayout handles POST /v1/disputes/:id/escrow/payout
func (h *Handler) SettleEscrowPayout(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Direction.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and a valid direction are required",
		})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.SettleEscrowPayout(c.Request.Context(), c.Param("id"),
		c.GetString("actorUserID"), req.Amount, req.Direction,
		validation.SanitizeString(req.Note, 1000))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetQueue handles GET /v1/disputes/queue
func (h *Handler) GetQueue(c *gin.Context) {
	var f QueueFilter
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := Status(strings.TrimSpace(s))
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Unknown status filter: " + s,
				})
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.AssignedTo = c.Query("assignedTo")
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			f.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil {
			f.Offset = parsed
		}
	}

	page, err := h.queue.GetQueue(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load dispute queue",
		})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientHoldBalance):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_hold",
			"message": "Payout exceeds the current hold balance",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
	case errors.Is(err, escrow.ErrAccountNotFound):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_account_missing",
			"message": "Negotiation has no escrow account",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
