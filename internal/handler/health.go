package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はストアの疎通確認を行う。*sql.DB がそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type healthResponse struct {
	Status      string `json:"status"`
	ConfigError string `json:"configError,omitempty"`
}

// NewHealthHandler はヘルスチェック用のハンドラーを返す。
// GET /health
// 設定エラー時もプロセスは稼働しているため200を返し、状態を本文で示す。
// checker がnilの場合（インメモリストア）は疎通確認を省略する。
func NewHealthHandler(checker HealthChecker, configErr error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if configErr != nil {
			writeJSON(w, http.StatusOK, healthResponse{Status: "config_error", ConfigError: configErr.Error()})
			return
		}
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check ping failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
