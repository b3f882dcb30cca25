package ledger

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/logging"
	"github.com/mbd888/marketledger/internal/metrics"
	"github.com/mbd888/marketledger/internal/retry"
	"github.com/mbd888/marketledger/internal/validation"
)

// HTTPStatus returns the HTTP status for err's kind.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule, KindInvariant:
		return http.StatusUnprocessableEntity
	case KindState:
		return http.StatusConflict
	case KindNotParticipant:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err as {"error": code, "message": text}. Internal errors
// are logged and their text is not exposed.
func RespondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "internal server error"})
		return
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"error": CodeOf(err), "message": err.Error()})
}

// BadRequest writes a 400 with the given code.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

// RespondInvalid writes a 400 for failed field validation.
func RespondInvalid(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// ContentionPolicy retries operations that hit a lock timeout.
var ContentionPolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
	Retryable:   IsContention,
	OnRetry: func(int, error, time.Duration) {
		metrics.ContentionRetriesTotal.Inc()
	},
}

// WithRetry runs fn under ContentionPolicy and returns its last result.
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := ContentionPolicy.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
