// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnverifiedEmail    = "UNVERIFIED_EMAIL"
	ErrCodeAccountSuspended   = "ACCOUNT_SUSPENDED"
	ErrCodeLinkingConflict    = "LINKING_CONFLICT"
	ErrCodePrimaryMethod      = "PRIMARY_METHOD"
	ErrCodeLastMethod         = "LAST_METHOD"
	ErrCodeMethodNotLinked    = "METHOD_NOT_LINKED"
	ErrCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeProviderDisabled   = "PROVIDER_DISABLED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// 未登録メールアドレスとパスワード誤りで同一の内容を返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "The email address or password is incorrect.",
		Category: "auth",
		Action:   "Check your email address and password and try again.",
	}
}

// NewUnverifiedEmailError はIdPがメールアドレスの検証を保証しない場合のエラーを生成する。
func NewUnverifiedEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeUnverifiedEmail,
		Message:  "The sign-in provider did not confirm your email address.",
		Category: "auth",
		Action:   "Verify your email address with the provider, or sign in with another method.",
	}
}

// NewAccountSuspendedError はアカウント停止エラーを生成する。
func NewAccountSuspendedError(reason string) *APIError {
	msg := "This account has been suspended."
	if reason != "" {
		msg = fmt.Sprintf("This account has been suspended: %s", reason)
	}
	return &APIError{
		Code:     ErrCodeAccountSuspended,
		Message:  msg,
		Category: "auth",
		Action:   "Contact an administrator to restore access.",
	}
}

// NewLinkingConflictError は連携ポリシーにより認証手段を追加できない場合のエラーを生成する。
func NewLinkingConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkingConflict,
		Message:  "This sign-in method cannot be added to the existing account.",
		Category: "account",
		Action:   "Sign in with a method already linked to the account and add the new method from your profile.",
	}
}

// NewPrimaryMethodError はプライマリの認証手段を解除しようとした場合のエラーを生成する。
func NewPrimaryMethodError() *APIError {
	return &APIError{
		Code:     ErrCodePrimaryMethod,
		Message:  "The primary sign-in method cannot be unlinked.",
		Category: "account",
		Action:   "Make another linked method primary first.",
	}
}

// NewLastMethodError は最後の認証手段を解除しようとした場合のエラーを生成する。
func NewLastMethodError() *APIError {
	return &APIError{
		Code:     ErrCodeLastMethod,
		Message:  "The only remaining sign-in method cannot be unlinked.",
		Category: "account",
		Action:   "Link another sign-in method first.",
	}
}

// NewMethodNotLinkedError は指定の認証手段が紐付いていない場合のエラーを生成する。
func NewMethodNotLinkedError(method Method) *APIError {
	return &APIError{
		Code:     ErrCodeMethodNotLinked,
		Message:  fmt.Sprintf("The sign-in method is not linked: %s", method),
		Category: "account",
		Action:   "Check the linked sign-in methods on your profile.",
	}
}

// NewAccountNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "The account was not found.",
		Category: "account",
		Action:   "Check the account ID.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "You do not have permission to perform this action.",
		Category: "auth",
		Action:   "Ask an administrator for access.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Please sign in.",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("Invalid value for %s: %s", field, reason),
		Category: "validation",
		Action:   "Correct the input and try again.",
	}
}

// NewProviderDisabledError は未設定のIdPが指定された場合のエラーを生成する。
func NewProviderDisabledError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderDisabled,
		Message:  fmt.Sprintf("Sign-in with %s is not available.", provider),
		Category: "auth",
		Action:   "Choose another sign-in method.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}
