package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/cupnote/cupsync/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrorResponse is the standard error body of the admin API
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode int    `json:"error_code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a SyncError onto an HTTP status through its gRPC code
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	statusCode := httpStatus(err)
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: int(errors.GetCode(err)),
		Kind:      string(errors.GetKind(err)),
		Message:   err.Error(),
		RequestID: RequestIDFrom(r.Context()),
	}

	logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.Int("error_code", resp.ErrorCode),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)
	writeJSON(w, statusCode, resp)
}

func httpStatus(err error) int {
	var se *errors.SyncError
	if !stderrors.As(err, &se) {
		return http.StatusInternalServerError
	}

	switch se.ToGRPCStatus().Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Aborted:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
