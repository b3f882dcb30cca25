package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/validation"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin routes. The group must run
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.RunAll)
	r.GET("/reconciliation/last", h.Last)
	r.GET("/reconciliation/accounts/:id", validation.IDParamMiddleware("id"), h.Account)
}

// RunAll handles GET /v1/admin/reconciliation
func (h *Handler) RunAll(c *gin.Context) {
	report, err := h.service.ReconcileAll(c.Request.Context())
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// Last handles GET /v1/admin/reconciliation/last
func (h *Handler) Last(c *gin.Context) {
	report := h.service.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "reconciliation has not run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// Account handles GET /v1/admin/reconciliation/accounts/:id
func (h *Handler) Account(c *gin.Context) {
	userID, _ := validation.ParamID(c, "id")
	res, err := h.service.ReconcileAccount(c.Request.Context(), userID)
	if err != nil {
		ledger.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": res})
}
