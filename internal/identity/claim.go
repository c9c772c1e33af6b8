// Package identity はIdPや登録フォームからの入力を、
// アカウント連携で扱う共通形式（Claim）に正規化する。
package identity

import (
	"errors"
	"strings"

	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/security"
)

var (
	// ErrUnverifiedEmail はIdPがメールアドレスを返さない、または検証済みでない場合に返る。
	ErrUnverifiedEmail = errors.New("identity: email missing or not verified by provider")

	// ErrMissingSubject はIdPがユーザー識別子を返さない場合に返る。
	ErrMissingSubject = errors.New("identity: provider subject missing")

	// ErrUnsupportedMethod は未知の認証手段が指定された場合に返る。
	ErrUnsupportedMethod = errors.New("identity: unsupported method")
)

// Claim は1回のログイン試行を表す正規化済みの主張。
type Claim struct {
	Method            model.Method
	Email             string // 小文字化・前後空白除去済み
	ProviderSubjectID string // OAuthのみ
	DisplayName       string
	AvatarURL         string
	Password          string // passwordのみ。平文はClaimの外に出さない
	// Enroll はパスワードの新規登録を許可するかどうか。
	// falseの場合、未登録のメールアドレスやパスワード未設定のアカウントでは認証失敗となる。
	Enroll bool
}

// Profile はOAuthプロバイダのuserinfoから得られるプロフィール。
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

var sanitizer security.ProfileSanitizer = security.NewProfileSanitizer()

// NormalizeEmail はメールアドレスを前後空白除去・小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FromOAuthProfile はOAuthプロフィールをClaimに変換する。
// メールアドレスが空、または検証済みでない場合はErrUnverifiedEmailを返す。
func FromOAuthProfile(method model.Method, p Profile) (*Claim, error) {
	if !method.IsOAuth() {
		return nil, ErrUnsupportedMethod
	}
	email := NormalizeEmail(p.Email)
	if email == "" || !p.EmailVerified {
		return nil, ErrUnverifiedEmail
	}
	subject := strings.TrimSpace(p.Subject)
	if subject == "" {
		return nil, ErrMissingSubject
	}

	return &Claim{
		Method:            method,
		Email:             email,
		ProviderSubjectID: subject,
		DisplayName:       sanitizer.DisplayName(p.Name),
		AvatarURL:         sanitizer.AvatarURL(p.Picture),
	}, nil
}

// FromPassword はメールアドレスとパスワードによるログイン試行をClaimにまとめる。
// ハッシュ化や照合は行わない。
func FromPassword(email, password string, enroll bool) *Claim {
	return &Claim{
		Method:   model.MethodPassword,
		Email:    NormalizeEmail(email),
		Password: password,
		Enroll:   enroll,
	}
}

// WithDisplayName は登録フォームで入力された表示名を設定したClaimを返す。
func (c *Claim) WithDisplayName(name string) *Claim {
	out := *c
	out.DisplayName = sanitizer.DisplayName(name)
	return &out
}
