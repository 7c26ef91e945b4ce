// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: config, auth, validation, data, subscription, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryConfig       = "config"
	CategoryAuth         = "auth"
	CategoryValidation   = "validation"
	CategoryData         = "data"
	CategorySubscription = "subscription"
	CategorySystem       = "system"
)

// 定義済みエラーコード
const (
	ErrCodeBackendMisconfigured = "BACKEND_MISCONFIGURED"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeEmailInUse           = "EMAIL_IN_USE"
	ErrCodeSignInCancelled      = "SIGN_IN_CANCELLED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeUploadNotFound       = "UPLOAD_NOT_FOUND"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeInvalidFileType      = "INVALID_FILE_TYPE"
	ErrCodeMissingSelection     = "MISSING_SELECTION"
	ErrCodeStoreFailed          = "STORE_FAILED"
	ErrCodeSubscriptionFailed   = "SUBSCRIPTION_FAILED"
	ErrCodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeCSRFInvalid          = "CSRF_TOKEN_INVALID"
)

// NewBackendMisconfiguredError はバックエンド設定不備エラーを生成する。
// 外部で設定を修正しない限り回復しない。
func NewBackendMisconfiguredError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeBackendMisconfigured,
		Message:  fmt.Sprintf("データベースの設定に誤りがあります: %s", reason),
		Category: CategoryConfig,
		Action:   "BACKEND_DATABASE_URL にはデータベースのルートURLを指定し、サービスを再起動してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: CategoryAuth,
		Action:   "入力内容を確認して再度サインインしてください。",
	}
}

// NewEmailInUseError はメールアドレス重複エラーを生成する。
func NewEmailInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  "このメールアドレスは既に登録されています。",
		Category: CategoryAuth,
		Action:   "サインインするか、別のメールアドレスで登録してください。",
	}
}

// NewSignInCancelledError は外部プロバイダでのサインイン中断エラーを生成する。
func NewSignInCancelledError() *APIError {
	return &APIError{
		Code:     ErrCodeSignInCancelled,
		Message:  "サインインがキャンセルされました。",
		Category: CategoryAuth,
		Action:   "もう一度サインインをお試しください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "サインインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: CategoryAuth,
		Action:   "管理者に問い合わせてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: CategoryData,
		Action:   "ログインし直してください。",
	}
}

// NewUploadNotFoundError はアップロード未検出エラーを生成する。
func NewUploadNotFoundError(uploadID string) *APIError {
	return &APIError{
		Code:     ErrCodeUploadNotFound,
		Message:  fmt.Sprintf("指定されたチャートが見つかりません: %s", uploadID),
		Category: CategoryData,
		Action:   "チャート一覧を再読み込みしてください。",
	}
}

// NewInvalidInputError は入力値不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidFileTypeError は非対応ファイル形式エラーを生成する。
func NewInvalidFileTypeError(filename string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFileType,
		Message:  fmt.Sprintf("対応していないファイル形式です: %s", filename),
		Category: CategoryValidation,
		Action:   ".xlsx または .xls ファイルのみアップロードできます。",
	}
}

// NewMissingSelectionError は軸未選択エラーを生成する。
func NewMissingSelectionError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingSelection,
		Message:  "X軸とY軸の両方を選択してください。",
		Category: CategoryValidation,
		Action:   "チャートに使う列を選択してから生成してください。",
	}
}

// NewStoreFailedError はストア操作失敗エラーを生成する。
// 操作前の状態は変更されない。自動リトライは行わない。
func NewStoreFailedError(op string) *APIError {
	return &APIError{
		Code:     ErrCodeStoreFailed,
		Message:  fmt.Sprintf("データの%sに失敗しました。", op),
		Category: CategoryData,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSubscriptionFailedError はリアルタイム購読失敗エラーを生成する。
func NewSubscriptionFailedError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionFailed,
		Message:  fmt.Sprintf("リアルタイム更新の購読に失敗しました: %s", path),
		Category: CategorySubscription,
		Action:   "ページを再読み込みしてください。",
	}
}

// NewRateLimitedError はリクエスト過多エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: CategorySystem,
		Action:   "Retry-After の秒数が経過してから再試行してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: CategoryAuth,
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}
