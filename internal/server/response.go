package server

import (
	"errors"
	"net/http"

	"LendLedger/internal/guard"
	"LendLedger/internal/ledger"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/loan"
	"LendLedger/internal/oracle"
	"LendLedger/internal/query"

	"github.com/gin-gonic/gin"
)

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error carries a stable machine code plus a human message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeNotFound      = "NOT_FOUND"
	errCodeBadRequest    = "BAD_REQUEST"
	errCodeForbidden     = "FORBIDDEN"
	errCodeConflict      = "CONFLICT"
	errCodeUnprocessable = "UNPROCESSABLE"
	errCodeNotReady      = "NOT_READY"
	errCodeInternalError = "INTERNAL_ERROR"
)

func success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error:   &Error{Code: code, Message: message},
	})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, errCodeBadRequest, message)
}

func notFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, errCodeNotFound, message)
}

func unavailable(c *gin.Context, message string) {
	fail(c, http.StatusServiceUnavailable, errCodeNotReady, message)
}

// respondError maps domain errors onto HTTP statuses. Unrecognized errors
// become opaque 500s so internals never leak to clients.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, loan.ErrLoanNotActive):
		fail(c, http.StatusNotFound, errCodeNotFound, err.Error())

	case errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrBatchTooLarge):
		fail(c, http.StatusBadRequest, errCodeBadRequest, err.Error())

	case errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, loan.ErrNotBorrower):
		fail(c, http.StatusForbidden, errCodeForbidden, err.Error())

	case errors.Is(err, guard.ErrConcurrentOperation):
		fail(c, http.StatusConflict, errCodeConflict, err.Error())

	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientLiquidity),
		errors.Is(err, loan.ErrInsufficientCollateral),
		errors.Is(err, loan.ErrRepayAmountMismatch),
		errors.Is(err, liquidation.ErrNotUndercollateralized),
		errors.Is(err, oracle.ErrPriceUnavailable),
		errors.Is(err, oracle.ErrPriceDeviationRejected),
		errors.Is(err, oracle.ErrStaleTimestampRejected):
		fail(c, http.StatusUnprocessableEntity, errCodeUnprocessable, err.Error())

	default:
		fail(c, http.StatusInternalServerError, errCodeInternalError, "an unexpected error occurred")
	}
}
