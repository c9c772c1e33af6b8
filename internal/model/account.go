// Package model はドメインモデルを定義する。
package model

import "time"

// Role はアカウントの権限ロールを表す。
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
	RoleMember      Role = "member"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleContributor, RoleMember:
		return true
	}
	return false
}

// Method は認証手段の種別を表す。
type Method string

const (
	MethodGoogle   Method = "google"
	MethodLinkedIn Method = "linkedin"
	MethodPassword Method = "password"
)

// Valid は認証手段が定義済みの値かどうかを返す。
func (m Method) Valid() bool {
	switch m {
	case MethodGoogle, MethodLinkedIn, MethodPassword:
		return true
	}
	return false
}

// IsOAuth は外部IdPによる認証手段かどうかを返す。
func (m Method) IsOAuth() bool {
	return m == MethodGoogle || m == MethodLinkedIn
}

// Account はメールアドレスをキーとする正規のユーザーIDを表す。
// 通常フローで削除されることはない。
type Account struct {
	ID              string
	Email           string
	DisplayName     string
	AvatarURL       string
	Role            Role
	IsSuspended     bool
	SuspendedReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone はAccountのコピーを返す。
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// LinkedMethod はAccountに紐付いた1つの認証手段を表す。
// (AccountID, Method) の組は一意で、Accountごとに IsPrimary=true がちょうど1つ存在する。
type LinkedMethod struct {
	ID                string
	AccountID         string
	Method            Method
	ProviderSubjectID string // passwordの場合は空
	PasswordHash      string // passwordの場合のみ
	IsPrimary         bool
	LastLoginAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone はLinkedMethodのコピーを返す。
func (m *LinkedMethod) Clone() *LinkedMethod {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Session はユーザーのログインセッションを表す。
// 有効期限を過ぎたセッションは存在しないものとして扱う。
type Session struct {
	ID        string
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AuditKind は監査イベントの種別。
type AuditKind string

const (
	AuditAccountCreated         AuditKind = "account_created"
	AuditAdminByAllowList       AuditKind = "admin_by_allowlist"
	AuditMethodAttached         AuditKind = "method_attached"
	AuditProviderSubjectChanged AuditKind = "provider_subject_changed"
	AuditLoginRejected          AuditKind = "login_rejected"
	AuditMethodUnlinked         AuditKind = "method_unlinked"
	AuditPrimaryChanged         AuditKind = "primary_changed"
	AuditRoleChanged            AuditKind = "role_changed"
	AuditSuspensionChanged      AuditKind = "suspension_changed"
)

// AuditEvent はアカウント連携の判断を記録する監査イベント。
type AuditEvent struct {
	ID        string
	Kind      AuditKind
	AccountID string
	Email     string
	Method    Method
	ActorID   string
	Detail    string
	CreatedAt time.Time
}
