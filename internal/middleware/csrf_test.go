package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/sheetlens/internal/model"
)

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// TestCSRFMiddleware_Validation はメソッドとトークンの組み合わせごとの判定を検証する。
func TestCSRFMiddleware_Validation(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		wantStatus int
	}{
		{"GETはトークン不要", http.MethodGet, "", "", http.StatusOK},
		{"HEADはトークン不要", http.MethodHead, "", "", http.StatusOK},
		{"OPTIONSはトークン不要", http.MethodOptions, "", "", http.StatusOK},
		{"POST_Cookieなし", http.MethodPost, "", "tok", http.StatusForbidden},
		{"POST_ヘッダーなし", http.MethodPost, "tok", "", http.StatusForbidden},
		{"POST_不一致", http.MethodPost, "tok-a", "tok-b", http.StatusForbidden},
		{"POST_一致", http.MethodPost, "tok", "tok", http.StatusOK},
		{"PUT_一致", http.MethodPut, "tok", "tok", http.StatusOK},
		{"PATCH_トークンなし", http.MethodPatch, "", "", http.StatusForbidden},
		{"DELETE_トークンなし", http.MethodDelete, "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/uploads", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(CSRFHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("next handler called = %v", called)
			}
			if tt.wantStatus == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode: %v", err)
				}
				if body.Code != model.ErrCodeCSRFInvalid {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
				}
			}
		})
	}
}

func TestCSRFMiddleware_SafeMethodCookie(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{CookieDomain: "example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	t.Run("未設定なら発行する", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads", nil))

		c := findCookie(w.Result(), csrfCookieName)
		if c == nil || c.Value == "" {
			t.Fatal("expected CSRF cookie to be set on GET request")
		}
		if c.SameSite != http.SameSiteLaxMode || c.HttpOnly || c.Path != "/" {
			t.Errorf("unexpected cookie attributes: %+v", c)
		}
	})

	t.Run("既存のCookieは置き換えない", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if findCookie(w.Result(), csrfCookieName) != nil {
			t.Error("CSRF cookie should not be re-set when already present")
		}
	})
}

func TestCSRFTokenHandler(t *testing.T) {
	tests := []struct {
		name       string
		existing   string
		wantCookie bool
	}{
		{"新規発行", "", true},
		{"既存のトークンを返す", "existing-csrf-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
			if tt.existing != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.existing})
			}
			w := httptest.NewRecorder()
			NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", cc)
			}

			var body struct {
				Token string `json:"token"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			c := findCookie(resp, csrfCookieName)
			if tt.wantCookie {
				if c == nil || c.Value != body.Token || body.Token == "" {
					t.Errorf("cookie %+v should carry response token %q", c, body.Token)
				}
			} else {
				if c != nil {
					t.Error("existing cookie should not be replaced")
				}
				if body.Token != tt.existing {
					t.Errorf("token = %q, want %q", body.Token, tt.existing)
				}
			}
		})
	}
}
