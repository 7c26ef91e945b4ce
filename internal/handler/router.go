package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sheetlens/internal/live"
	"github.com/hitoshi/sheetlens/internal/metrics"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/security"
	"github.com/hitoshi/sheetlens/internal/store"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
// ConfigError が設定されている場合、サービス群はnilでよい。
type RouterDeps struct {
	// ストア接続設定の不備。設定時は全ルートが設定案内を返す。
	ConfigError error

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer
	MetricsRecorder middleware.StatusRecorder

	// ミドルウェア依存
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ドメインサービス
	UserService   UserServiceInterface
	UploadService UploadServiceInterface
	StatsService  StatsServiceInterface
	SearchService SearchServiceInterface

	// ライブ購読
	Store       store.Store
	LiveTracker live.Tracker

	Sanitizer      security.TextSanitizer
	UploadMaxBytes int64
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Recovery → Metrics → Logging → Session → Gate → RateLimit → CSRF
//
// /health, /metrics, /api/csrf-token はゲートの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	// HTTPSで配信している場合のみHSTSを付与する
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRFConfig.CookieSecure))
	r.Use(middleware.NewRecoveryMiddleware())
	if deps.MetricsRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.MetricsRecorder))
	}
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))

	// --- ゲートの外 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.ConfigError))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	pages := NewPageHandler()

	if deps.ConfigError != nil {
		mountConfigErrorRoutes(r, deps.ConfigError, pages)
		return r
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.UserService, deps.AuthConfig)
	uploadHandler := NewUploadHandler(deps.UploadService, deps.Sanitizer, deps.UploadMaxBytes)
	userHandler := NewUserHandler(deps.UserService, deps.Sanitizer)
	statsHandler := NewStatsHandler(deps.StatsService, deps.SearchService)
	liveHandler := NewLiveHandler(deps.Store, deps.AuthService, deps.UserService, deps.UploadService, deps.LiveTracker)
	sessionEvents := NewSessionEventsHandler(deps.AuthService, deps.UserService)

	pageGate := middleware.NewGateMiddleware(nil, deps.UserService, pages.Deny)
	apiGate := middleware.NewGateMiddleware(nil, deps.UserService, middleware.DenyJSON)
	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)
	general := deps.RateLimiter.GeneralMiddleware()

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.AuthService))

		// 認証フロー（ゲートの外）
		r.Route("/auth", func(r chi.Router) {
			r.With(general, csrf).Post("/signin", authHandler.SignIn)
			r.With(general, csrf).Post("/signup", authHandler.SignUp)
			r.Get("/google/login", authHandler.Login)
			r.Get("/google/callback", authHandler.Callback)
			r.With(csrf).Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)

			// GET /auth はサインインページ
			r.With(pageGate).Get("/", pages.AuthPage)
		})

		// セッション状態の配信（未認証でも接続でき、状態の変化を受け取る）
		r.Handle("/api/session/events", sessionEvents)

		// --- APIルート ---
		r.Route("/api", func(r chi.Router) {
			r.Use(apiGate)
			r.Use(general)
			r.Use(csrf)

			r.Route("/uploads", func(r chi.Router) {
				r.Get("/", uploadHandler.ListUploads)
				r.Post("/", uploadHandler.CreateUpload)
				r.With(deps.RateLimiter.UploadMiddleware()).Post("/parse", uploadHandler.ParseFile)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", uploadHandler.GetUpload)
					r.Patch("/", uploadHandler.UpdateUpload)
					r.Delete("/", uploadHandler.DeleteUpload)
					r.Get("/source", uploadHandler.DownloadSource)
				})
			})

			r.Patch("/users/me", userHandler.UpdateProfile)
			r.Get("/stats", statsHandler.UserStats)
			r.Get("/search", statsHandler.Search)
			r.Handle("/live", liveHandler)

			// 管理者専用
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.NewRequireAdminMiddleware())
				r.Get("/stats", statsHandler.AdminStats)
				r.Get("/users", userHandler.ListUsers)
				r.Patch("/users/{id}", userHandler.UpdateUser)
				r.Delete("/users/{id}", userHandler.DeleteUser)
			})

			r.NotFound(apiNotFound)
		})

		// --- ページルート ---
		r.Group(func(r chi.Router) {
			r.Use(pageGate)
			r.Get("/", pages.Render(PageDashboard))
			r.Get("/analyze", pages.Render(PageAnalyze))
			r.Get("/charts", pages.Render(PageCharts))
			r.Get("/settings", pages.Render(PageSettings))
			r.Get("/admin/users", pages.RenderAdmin(PageAdminUsers))
		})
	})

	// 未定義のパスはシェル内の not-found ページ。未認証ならサインイン画面になる。
	r.NotFound(chain(pages.NotFound,
		middleware.NewSessionMiddleware(deps.AuthService),
		pageGate,
	).ServeHTTP)

	return r
}

// mountConfigErrorRoutes は設定エラー時のルートを登録する。
// API と認証は503のJSON、それ以外は設定案内の描画指示を返す。
func mountConfigErrorRoutes(r chi.Router, configErr error, pages *PageHandler) {
	apiGate := middleware.NewGateMiddleware(configErr, nil, middleware.DenyJSON)
	pageGate := middleware.NewGateMiddleware(configErr, nil, pages.Deny)
	unreachable := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteInternalServerError(w)
	})

	r.Handle("/api/*", apiGate(unreachable))
	r.Handle("/auth/*", apiGate(unreachable))
	r.Handle("/*", pageGate(unreachable))
}

func apiNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
		Code:     "NOT_FOUND",
		Message:  "指定されたAPIは存在しません。",
		Category: model.CategoryValidation,
		Action:   "URLを確認してください。",
	})
}

// chain は mws を記述順に外側から適用する。
func chain(h http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
	var out http.Handler = h
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}
