// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
)

// maxJSONBodyBytes はJSONリクエストボディの上限。
const maxJSONBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// エラーメッセージにはJSONのフィールド名を使う
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate はJSONボディを読み取り、validateタグで検証する。
// 失敗した場合はエラーレスポンスを書き込み false を返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: model.CategoryValidation,
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(formatValidationError(err)))
		return false
	}
	return true
}

// formatValidationError は検証エラーを "field: tag" の列挙に整形する。
func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeBackendMisconfigured:
		return http.StatusServiceUnavailable
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeSignInCancelled:
		return http.StatusBadRequest
	case model.ErrCodeEmailInUse:
		return http.StatusConflict
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound, model.ErrCodeUploadNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidInput, model.ErrCodeMissingSelection:
		return http.StatusBadRequest
	case model.ErrCodeInvalidFileType:
		return http.StatusUnsupportedMediaType
	case model.ErrCodeStoreFailed, model.ErrCodeSubscriptionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// currentUser は GateMiddleware が注入したユーザーを返す。
// 未注入の場合は401を書き込み nil を返す。
func currentUser(w http.ResponseWriter, r *http.Request) *model.User {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil
	}
	return u
}
