package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/sheetlens/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	googleRequestTimeout = 10 * time.Second
	// maxGoogleResponseBytes はエンドポイント応答の読み込み上限。
	maxGoogleResponseBytes = 1 << 20
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleOAuthProvider はGoogle OAuth 2.0によるフェデレーションサインインを提供する。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
	client *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	return &GoogleOAuthProvider{
		config: config,
		client: &http.Client{Timeout: googleRequestTimeout},
	}
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// 毎回アカウント選択画面を表示する。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"prompt":        {"select_account"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// メールアドレスが未確認のアカウントは拒否する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token googleTokenResponse
	if err := p.doJSON(req, &token); err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var info googleUserInfo
	if err := p.doJSON(req, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		return nil, fmt.Errorf("google account email is not verified")
	}

	return &OAuthUserInfo{
		ProviderUserID: info.Sub,
		Email:          info.Email,
		Name:           info.Name,
		Provider:       model.ProviderGoogle,
	}, nil
}

// doJSON はリクエストを送信し、200応答の本文をvにデコードする。
func (p *GoogleOAuthProvider) doJSON(req *http.Request, v any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGoogleResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
