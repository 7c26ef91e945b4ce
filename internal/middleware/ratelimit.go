package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	UploadRate      rate.Limit    // 解析・アップロードのレート（req/sec）
	UploadBurst     int           // 解析・アップロードのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min、アップロード 10 req/min。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 10)
}

// PerMinuteRateLimiterConfig は1分あたりの上限からレート制限設定を生成する。
func PerMinuteRateLimiterConfig(generalPerMin, uploadPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		UploadRate:      rate.Limit(float64(uploadPerMin) / 60.0),
		UploadBurst:     uploadPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキー（ユーザーIDまたはクライアントIP）ごとのリミッター集合。
type limiterSet struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{rate: r, burst: burst, limiters: make(map[string]*keyedLimiter)}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.limiters[key]; ok {
		kl.lastAccess = time.Now()
		return kl.limiter
	}
	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters[key] = &keyedLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// prune は最終アクセスが ttl より古いエントリを削除する。
func (s *limiterSet) prune(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はキーごとのレート制限を管理する。
// API全般とアップロード（ファイル解析）の2種類を独立に提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	upload  *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		upload:  newLimiterSet(config.UploadRate, config.UploadBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// 認証済みならユーザーID、未認証ならクライアントIPをキーにする。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general")
}

// UploadMiddleware はファイル解析・アップロード専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) UploadMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.upload, "upload")
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			if !set.get(key).Allow() {
				writeRateLimitResponse(w, set.rate)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", limitType),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// UploadLimiterCount は現在管理されているアップロードリミッターのエントリ数を返す。
func (rl *RateLimiter) UploadLimiterCount() int {
	return rl.upload.len()
}

// rateLimitKey はリクエストのレート制限キーを返す。
func rateLimitKey(r *http.Request) string {
	if userID, err := UserIDFromContext(r.Context()); err == nil {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.prune(now, ttl)
	rl.upload.prune(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	WriteTooManyRequests(w, int(math.Ceil(1.0/float64(r))))
}
