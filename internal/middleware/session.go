// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// accountIDContextKey はリクエストコンテキストにアカウントIDを格納するためのキー。
	accountIDContextKey = contextKey("account_id")
	// requestInfoContextKey はロギングミドルウェアが用意するrequestInfoのキー。
	requestInfoContextKey = contextKey("request_info")
)

// requestInfo は内側のミドルウェアで確定した値を外側のロギングミドルウェアへ渡す。
type requestInfo struct {
	accountID  string
	authSource string
}

// AccountIDFromContext はリクエストコンテキストからアカウントIDを取得する。
// セッション解決済みのリクエストでのみ有効。
func AccountIDFromContext(ctx context.Context) (string, error) {
	accountID, ok := ctx.Value(accountIDContextKey).(string)
	if !ok || accountID == "" {
		return "", fmt.Errorf("account ID not found in context")
	}
	return accountID, nil
}

// ContextWithAccountID はコンテキストにアカウントIDを注入する。
// ロギングミドルウェア配下であれば、アクセスログにもaccount_idが出力される。
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.accountID = accountID
	}
	return context.WithValue(ctx, accountIDContextKey, accountID)
}

// RecordAuthSource は認証情報の取得元（cookie、bearer）をアクセスログに記録する。
// ロギングミドルウェア配下でなければ何もしない。
func RecordAuthSource(ctx context.Context, source string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.authSource = source
	}
}
