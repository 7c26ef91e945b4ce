package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/sheetlens/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

func newErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(newErrorResponseBody(apiErr)); err != nil {
		slog.Debug("failed to write error response", slog.String("error", err.Error()))
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteTooManyRequests は429レスポンスを Retry-After 付きで書き込む。
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
