package disputes

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler provides HTTP endpoints for orders in escrow and their disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up participant routes. The group must run
// auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/accept", validation.IDParamMiddleware("id"), h.AcceptOrder)
	r.POST("/orders/:id/complete", validation.IDParamMiddleware("id"), h.CompleteJob)
	r.POST("/orders/:id/release", validation.IDParamMiddleware("id"), h.ReleaseOrder)
	r.POST("/orders/:id/disputes", validation.IDParamMiddleware("id"), h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", validation.IDParamMiddleware("id"), h.GetDispute)
	r.POST("/disputes/:id/responses", validation.IDParamMiddleware("id"), h.AddResponse)
	r.POST("/disputes/:id/arguments", validation.IDParamMiddleware("id"), h.SubmitArgument)
}

// RegisterAdminRoutes sets up admin routes. The group must run
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware("id"), h.ResolveDispute)
}

// ArgumentRequest is the body of dispute open and argument requests.
type ArgumentRequest struct {
	Argument string `json:"argument"`
}

// ResponseRequest is the body of POST /v1/disputes/:id/responses.
type ResponseRequest struct {
	Message string `json:"message"`
	FileURL string `json:"fileUrl"`
}

// ResolveBody is the body of POST /v1/admin/disputes/:id/resolve.
type ResolveBody struct {
	Resolution             Resolution `json:"resolution"`
	AdminNotes             string     `json:"adminNotes"`
	ClientRefundAmount     string     `json:"clientRefundAmount"`
	TechnicianPayoutAmount string     `json:"technicianPayoutAmount"`
}

func actor(c *gin.Context) Actor {
	return Actor{UserID: auth.UserID(c), Admin: auth.IsAdmin(c)}
}

func pathID(c *gin.Context) int64 {
	id, _ := validation.ParamID(c, "id")
	return id
}

// AcceptOrder handles POST /v1/orders/:id/accept
func (h *Handler) AcceptOrder(c *gin.Context) {
	orderID, caller := pathID(c), actor(c)
	entry, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*ledger.Transaction, error) {
		return h.service.AcceptOrder(ctx, orderID, caller)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": entry})
}

// CompleteJob handles POST /v1/orders/:id/complete
func (h *Handler) CompleteJob(c *gin.Context) {
	orderID, caller := pathID(c), actor(c)
	o, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*Order, error) {
		return h.service.CompleteJob(ctx, orderID, caller)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ReleaseOrder handles POST /v1/orders/:id/release
func (h *Handler) ReleaseOrder(c *gin.Context) {
	orderID, caller := pathID(c), actor(c)
	result, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*ReleaseResult, error) {
		return h.service.ReleaseOrder(ctx, orderID, caller)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// OpenDispute handles POST /v1/orders/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req ArgumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ledger.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("argument", req.Argument, validation.MaxMessageLength),
	); len(errs) > 0 {
		ledger.RespondInvalid(c, errs)
		return
	}

	orderID, caller := pathID(c), actor(c)
	argument := validation.SanitizeString(req.Argument, validation.MaxMessageLength)
	d, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*Dispute, error) {
		return h.service.OpenDispute(ctx, orderID, caller, argument)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	list, err := h.service.ListDisputesFor(c.Request.Context(), actor(c), limit)
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": list,
		"count":    len(list),
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	thread, err := h.service.GetThread(c.Request.Context(), pathID(c), actor(c))
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// AddResponse handles POST /v1/disputes/:id/responses
func (h *Handler) AddResponse(c *gin.Context) {
	var req ResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ledger.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
		validation.ValidURL("fileUrl", req.FileURL),
	); len(errs) > 0 {
		ledger.RespondInvalid(c, errs)
		return
	}

	disputeID, caller := pathID(c), actor(c)
	message := validation.SanitizeString(req.Message, validation.MaxMessageLength)
	resp, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*Response, error) {
		return h.service.AddDisputeResponse(ctx, disputeID, caller, message, req.FileURL)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"response": resp})
}

// SubmitArgument handles POST /v1/disputes/:id/arguments
func (h *Handler) SubmitArgument(c *gin.Context) {
	var req ArgumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ledger.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("argument", req.Argument, validation.MaxMessageLength),
	); len(errs) > 0 {
		ledger.RespondInvalid(c, errs)
		return
	}

	disputeID, caller := pathID(c), actor(c)
	argument := validation.SanitizeString(req.Argument, validation.MaxMessageLength)
	d, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*Dispute, error) {
		return h.service.SubmitArgument(ctx, disputeID, caller, argument)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var body ResolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		ledger.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("adminNotes", body.AdminNotes, validation.MaxMessageLength),
	); len(errs) > 0 {
		ledger.RespondInvalid(c, errs)
		return
	}

	req := ResolveRequest{
		DisputeID:              pathID(c),
		Admin:                  actor(c),
		Resolution:             body.Resolution,
		AdminNotes:             validation.SanitizeString(body.AdminNotes, validation.MaxMessageLength),
		ClientRefundAmount:     body.ClientRefundAmount,
		TechnicianPayoutAmount: body.TechnicianPayoutAmount,
	}
	result, err := ledger.WithRetry(c.Request.Context(), func(ctx context.Context) (*ResolveResult, error) {
		return h.service.ResolveDispute(ctx, req)
	})
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
