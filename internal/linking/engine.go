// Package linking はメールアドレスをキーにアカウントと認証手段を結び付ける。
//
// Google、LinkedIn、パスワードのいずれでログインしても、同じメールアドレスであれば
// 同じアカウントに解決される。最初にログインした認証手段がプライマリとなり、
// 以降の認証手段は非プライマリとして追加される。
// アカウントと認証手段を書き込むのはこのパッケージのEngineのみである。
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/newtifi/internal/audit"
	"github.com/hitoshi/newtifi/internal/identity"
	"github.com/hitoshi/newtifi/internal/metrics"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/notify"
	"github.com/hitoshi/newtifi/internal/permission"
	"github.com/hitoshi/newtifi/internal/repository"
	"github.com/hitoshi/newtifi/internal/security"
)

// AttachPolicy は既存アカウントへの認証手段追加の方針。
type AttachPolicy string

const (
	// PolicyPermissive は検証済みメールアドレスが一致すれば追加を許可する。
	PolicyPermissive AttachPolicy = "permissive"
	// PolicyStrict はパスワード手段を持たないアカウントへのパスワード追加を拒否する。
	PolicyStrict AttachPolicy = "strict"
)

// Valid は方針が定義済みの値かどうかを返す。
func (p AttachPolicy) Valid() bool {
	return p == PolicyPermissive || p == PolicyStrict
}

// Authorizer は操作者の権限判定インターフェース。permission.Gateが満たす。
type Authorizer interface {
	CanAccess(account *model.Account, resource, action string) bool
}

// Config はEngineの設定。
type Config struct {
	AdminAllowList AllowList
	AttachPolicy   AttachPolicy
}

// Deps はEngineの依存。Store、Hasher、Gate以外はnilでもよい。
type Deps struct {
	Store    repository.AccountStore
	Hasher   security.PasswordHasher
	Gate     Authorizer
	Recorder audit.Recorder
	Notifier notify.Notifier
	Metrics  metrics.MetricsCollector
}

// SystemActor はCLIなど人間の操作者がいない管理操作で使用する操作者。
var SystemActor = &model.Account{ID: "system", Role: model.RoleAdmin}

// Engine はアカウント連携エンジン。
type Engine struct {
	store    repository.AccountStore
	hasher   security.PasswordHasher
	gate     Authorizer
	recorder audit.Recorder
	notifier notify.Notifier
	metrics  metrics.MetricsCollector

	allowList AllowList
	policy    AttachPolicy

	// dummyHash は存在しないアカウントへのログイン時にも照合を行い、応答時間を揃えるためのハッシュ。
	dummyHash string

	now   func() time.Time
	newID func() string
}

// NewEngine はEngineを生成する。
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Hasher == nil || deps.Gate == nil {
		return nil, fmt.Errorf("linking: store, hasher and gate are required")
	}
	if cfg.AttachPolicy == "" {
		cfg.AttachPolicy = PolicyPermissive
	}
	if !cfg.AttachPolicy.Valid() {
		return nil, fmt.Errorf("linking: unknown attach policy %q", cfg.AttachPolicy)
	}

	dummy, err := deps.Hasher.Hash(uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	e := &Engine{
		store:     deps.Store,
		hasher:    deps.Hasher,
		gate:      deps.Gate,
		recorder:  deps.Recorder,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		allowList: cfg.AdminAllowList,
		policy:    cfg.AttachPolicy,
		dummyHash: dummy,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	if e.recorder == nil {
		e.recorder = audit.Discard{}
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	return e, nil
}

// resolution は1回の解決処理の結果。
// eventsはコミット後に、rejectedは失敗時にのみ記録する。
type resolution struct {
	account  *model.Account
	created  bool
	attached bool
	events   []*model.AuditEvent
	rejected *model.AuditEvent
}

// Resolve はClaimをアカウントに解決する。
// 未登録のメールアドレスであればアカウントを作成し、既存アカウントに未連携の認証手段であれば追加する。
// 同時初回ログインで一意制約に違反した場合は1回だけ再試行する。
func (e *Engine) Resolve(ctx context.Context, claim *identity.Claim) (*model.Account, error) {
	start := e.now()
	defer func() { e.metrics.RecordResolveLatency(e.now().Sub(start)) }()

	if err := validateClaim(claim); err != nil {
		e.metrics.RecordLogin(string(claimMethod(claim)), outcomeOf(err))
		return nil, err
	}

	res, err := e.resolveOnce(ctx, claim)
	if errors.Is(err, repository.ErrDuplicateEmail) {
		e.metrics.RecordLinkingRetry()
		slog.Info("retrying account resolution after concurrent creation",
			slog.String("method", string(claim.Method)),
		)
		res, err = e.resolveOnce(ctx, claim)
	}

	if err != nil {
		if res != nil && res.rejected != nil {
			e.recorder.Record(ctx, res.rejected)
		}
		e.metrics.RecordLogin(string(claim.Method), outcomeOf(err))
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, fmt.Errorf("failed to resolve account after retry: %w", err)
		}
		return nil, err
	}

	for _, ev := range res.events {
		e.recorder.Record(ctx, ev)
	}
	if res.created {
		e.metrics.RecordAccountCreated(string(claim.Method))
	}
	if res.attached {
		e.metrics.RecordMethodAttached(string(claim.Method))
		if err := e.notifier.MethodLinked(ctx, res.account, claim.Method, e.now()); err != nil {
			slog.Warn("failed to send method linked notification",
				slog.String("account_id", res.account.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.metrics.RecordLogin(string(claim.Method), metrics.OutcomeSuccess)
	return res.account, nil
}

func (e *Engine) resolveOnce(ctx context.Context, claim *identity.Claim) (*resolution, error) {
	res := &resolution{}
	err := e.store.WithinEmailLock(ctx, claim.Email, func(ctx context.Context, tx repository.AccountTx) error {
		account, err := tx.FindAccountByEmail(ctx, claim.Email)
		if err != nil {
			return err
		}
		if account == nil {
			return e.create(ctx, tx, claim, res)
		}

		methods, err := tx.ListMethods(ctx, account.ID)
		if err != nil {
			return err
		}
		existing := findMethod(methods, claim.Method)

		switch {
		case existing == nil:
			return e.attach(ctx, tx, account, claim, res)
		case claim.Method == model.MethodPassword:
			return e.loginPassword(ctx, tx, account, existing, claim, res)
		default:
			return e.loginOAuth(ctx, tx, account, existing, claim, res)
		}
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// create は初回ログインでアカウントとプライマリの認証手段を作成する。
func (e *Engine) create(ctx context.Context, tx repository.AccountTx, claim *identity.Claim, res *resolution) error {
	if claim.Method == model.MethodPassword && !claim.Enroll {
		e.hasher.Verify(claim.Password, e.dummyHash)
		res.rejected = e.event(model.AuditLoginRejected, "", claim, "unknown email")
		return ErrInvalidCredentials
	}

	now := e.now()
	account := &model.Account{
		ID:          e.newID(),
		Email:       claim.Email,
		DisplayName: claim.DisplayName,
		AvatarURL:   claim.AvatarURL,
		Role:        model.RoleMember,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// 許可リストによる管理者付与はIdPが検証したメールに限る
	listed := e.allowList.Matches(claim.Email)
	admin := listed && claim.Method.IsOAuth()
	if admin {
		account.Role = model.RoleAdmin
	}

	method, err := e.newMethod(account.ID, claim, true, now)
	if err != nil {
		return err
	}
	if err := tx.CreateAccount(ctx, account); err != nil {
		return err
	}
	if err := tx.CreateMethod(ctx, method); err != nil {
		return err
	}

	res.account = account
	res.created = true
	res.events = append(res.events, e.event(model.AuditAccountCreated, account.ID, claim, ""))
	switch {
	case admin:
		res.events = append(res.events, e.event(model.AuditAdminByAllowList, account.ID, claim, "role=admin"))
	case listed:
		res.events = append(res.events, e.event(model.AuditLoginRejected, account.ID, claim,
			"admin allow-list requires a provider-verified email"))
	}
	return nil
}

// attach は既存アカウントに非プライマリの認証手段を追加する。
func (e *Engine) attach(ctx context.Context, tx repository.AccountTx, account *model.Account, claim *identity.Claim, res *resolution) error {
	if claim.Method == model.MethodPassword {
		if !claim.Enroll {
			e.hasher.Verify(claim.Password, e.dummyHash)
			res.rejected = e.event(model.AuditLoginRejected, account.ID, claim, "no password method")
			return ErrInvalidCredentials
		}
		if e.policy == PolicyStrict {
			res.rejected = e.event(model.AuditLoginRejected, account.ID, claim, "password attach refused by strict policy")
			return ErrLinkingConflict
		}
	}
	if account.IsSuspended {
		res.rejected = e.event(model.AuditLoginRejected, account.ID, claim, "suspended")
		return &SuspendedError{Reason: account.SuspendedReason}
	}

	now := e.now()
	method, err := e.newMethod(account.ID, claim, false, now)
	if err != nil {
		return err
	}
	if err := tx.CreateMethod(ctx, method); err != nil {
		return err
	}

	if fillProfile(account, claim) {
		account.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
	}

	res.account = account
	res.attached = true
	res.events = append(res.events, e.event(model.AuditMethodAttached, account.ID, claim, ""))
	return nil
}

// loginPassword は連携済みのパスワード手段でログインする。
// 停止中であってもパスワードを先に照合し、誤ったパスワードには停止を明かさない。
func (e *Engine) loginPassword(ctx context.Context, tx repository.AccountTx, account *model.Account, method *model.LinkedMethod, claim *identity.Claim, res *resolution) error {
	if !e.hasher.Verify(claim.Password, method.PasswordHash) {
		res.rejected = e.event(model.AuditLoginRejected, account.ID, claim, "password mismatch")
		return ErrInvalidCredentials
	}
	if account.IsSuspended {
		res.rejected = e.event(model.AuditLoginRejected, account.ID, claim, "suspended")
		return &SuspendedError{Reason: account.SuspendedReason}
	}

	now := e.now()
	method.LastLoginAt = now
	method.UpdatedAt = now
	if err := tx.UpdateMethod(ctx, method); err != nil {
		return err
	}
	res.account = account
	return nil
}

// loginOAuth は連携済みのOAuth手段でログインする。
// subjectが変わっていれば更新して監査イベントを残す。
func (e *Engine) loginOAuth(ctx context.Context, tx repository.AccountTx, account *model.Account, method *model.LinkedMethod, claim *identity.Claim, res *resolution) error {
	if account.IsSuspended {
		res.rejected = e.event(model.AuditLoginRejected, account.ID, claim, "suspended")
		return &SuspendedError{Reason: account.SuspendedReason}
	}

	now := e.now()
	if method.ProviderSubjectID != claim.ProviderSubjectID {
		res.events = append(res.events, e.event(model.AuditProviderSubjectChanged, account.ID, claim,
			fmt.Sprintf("previous=%s", method.ProviderSubjectID)))
		method.ProviderSubjectID = claim.ProviderSubjectID
	}
	method.LastLoginAt = now
	method.UpdatedAt = now
	if err := tx.UpdateMethod(ctx, method); err != nil {
		return err
	}

	if refreshProfile(account, claim) {
		account.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
	}

	res.account = account
	return nil
}

func (e *Engine) newMethod(accountID string, claim *identity.Claim, primary bool, now time.Time) (*model.LinkedMethod, error) {
	m := &model.LinkedMethod{
		ID:          e.newID(),
		AccountID:   accountID,
		Method:      claim.Method,
		IsPrimary:   primary,
		LastLoginAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if claim.Method == model.MethodPassword {
		hash, err := e.hasher.Hash(claim.Password)
		if errors.Is(err, security.ErrEmptyPassword) {
			return nil, ErrInvalidCredentials
		}
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		m.PasswordHash = hash
	} else {
		m.ProviderSubjectID = claim.ProviderSubjectID
	}
	return m, nil
}

func (e *Engine) event(kind model.AuditKind, accountID string, claim *identity.Claim, detail string) *model.AuditEvent {
	return &model.AuditEvent{
		Kind:      kind,
		AccountID: accountID,
		Email:     claim.Email,
		Method:    claim.Method,
		Detail:    detail,
		CreatedAt: e.now(),
	}
}

// ListMethods はアカウントの認証手段をプライマリ優先、作成日時の昇順で返す。
// パスワードハッシュは含めない。
func (e *Engine) ListMethods(ctx context.Context, accountID string) ([]*model.LinkedMethod, error) {
	account, err := e.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	methods, err := e.store.ListMethods(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list methods: %w", err)
	}
	repository.SortMethods(methods)
	for _, m := range methods {
		m.PasswordHash = ""
	}
	return methods, nil
}

// Unlink は認証手段の連携を解除する。
// 最後の1つ、またはプライマリの認証手段は解除できない。
func (e *Engine) Unlink(ctx context.Context, accountID string, method model.Method) error {
	var event *model.AuditEvent
	err := e.store.WithinAccountLock(ctx, accountID, func(ctx context.Context, tx repository.AccountTx) error {
		account, methods, target, err := e.lockedMethod(ctx, tx, accountID, method)
		if err != nil {
			return err
		}
		if len(methods) == 1 {
			return ErrLastMethod
		}
		if target.IsPrimary {
			return ErrPrimaryMethod
		}
		if err := tx.DeleteMethod(ctx, target.ID); err != nil {
			return err
		}
		event = &model.AuditEvent{
			Kind: model.AuditMethodUnlinked, AccountID: account.ID, Email: account.Email,
			Method: method, ActorID: account.ID, CreatedAt: e.now(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.recorder.Record(ctx, event)
	return nil
}

// SetPrimary はプライマリの認証手段を変更する。既にプライマリであれば何もしない。
func (e *Engine) SetPrimary(ctx context.Context, accountID string, method model.Method) error {
	var event *model.AuditEvent
	err := e.store.WithinAccountLock(ctx, accountID, func(ctx context.Context, tx repository.AccountTx) error {
		account, methods, target, err := e.lockedMethod(ctx, tx, accountID, method)
		if err != nil {
			return err
		}
		if target.IsPrimary {
			return nil
		}

		now := e.now()
		var previous model.Method
		for _, m := range methods {
			if m.IsPrimary {
				previous = m.Method
				m.IsPrimary = false
				m.UpdatedAt = now
				if err := tx.UpdateMethod(ctx, m); err != nil {
					return err
				}
			}
		}
		target.IsPrimary = true
		target.UpdatedAt = now
		if err := tx.UpdateMethod(ctx, target); err != nil {
			return err
		}
		event = &model.AuditEvent{
			Kind: model.AuditPrimaryChanged, AccountID: account.ID, Email: account.Email,
			Method: method, ActorID: account.ID, Detail: fmt.Sprintf("previous=%s", previous), CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if event != nil {
		e.recorder.Record(ctx, event)
	}
	return nil
}

func (e *Engine) lockedMethod(ctx context.Context, tx repository.AccountTx, accountID string, method model.Method) (*model.Account, []*model.LinkedMethod, *model.LinkedMethod, error) {
	account, err := tx.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	if account == nil {
		return nil, nil, nil, ErrAccountNotFound
	}
	methods, err := tx.ListMethods(ctx, accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	target := findMethod(methods, method)
	if target == nil {
		return nil, nil, nil, ErrMethodNotLinked
	}
	return account, methods, target, nil
}

// SetRole はアカウントのロールを変更する。操作者にはusers:updateの権限が必要。
func (e *Engine) SetRole(ctx context.Context, actor *model.Account, accountID string, role model.Role) (*model.Account, error) {
	if !e.gate.CanAccess(actor, permission.ResourceUsers, permission.ActionUpdate) {
		return nil, ErrForbidden
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	var updated *model.Account
	var event *model.AuditEvent
	err := e.store.WithinAccountLock(ctx, accountID, func(ctx context.Context, tx repository.AccountTx) error {
		account, err := tx.FindAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrAccountNotFound
		}
		updated = account
		if account.Role == role {
			return nil
		}

		previous := account.Role
		account.Role = role
		account.UpdatedAt = e.now()
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		event = &model.AuditEvent{
			Kind: model.AuditRoleChanged, AccountID: account.ID, Email: account.Email,
			ActorID: actor.ID, Detail: fmt.Sprintf("%s->%s", previous, role), CreatedAt: account.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if event != nil {
		e.recorder.Record(ctx, event)
	}
	return updated, nil
}

// SetSuspended はアカウントの停止状態を変更する。操作者にはusers:updateの権限が必要。
// 操作者自身を停止することはできない。
func (e *Engine) SetSuspended(ctx context.Context, actor *model.Account, accountID string, suspended bool, reason string) (*model.Account, error) {
	if !e.gate.CanAccess(actor, permission.ResourceUsers, permission.ActionUpdate) {
		return nil, ErrForbidden
	}
	if suspended && actor.ID == accountID {
		return nil, ErrForbidden
	}
	if !suspended {
		reason = ""
	}

	var updated *model.Account
	var event *model.AuditEvent
	err := e.store.WithinAccountLock(ctx, accountID, func(ctx context.Context, tx repository.AccountTx) error {
		account, err := tx.FindAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrAccountNotFound
		}
		updated = account
		if account.IsSuspended == suspended && account.SuspendedReason == reason {
			return nil
		}

		account.IsSuspended = suspended
		account.SuspendedReason = reason
		account.UpdatedAt = e.now()
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		detail := "lifted"
		if suspended {
			detail = "suspended"
			if reason != "" {
				detail += ": " + reason
			}
		}
		event = &model.AuditEvent{
			Kind: model.AuditSuspensionChanged, AccountID: account.ID, Email: account.Email,
			ActorID: actor.ID, Detail: detail, CreatedAt: account.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if event != nil {
		e.recorder.Record(ctx, event)
	}
	return updated, nil
}

func validateClaim(claim *identity.Claim) error {
	if claim == nil || !claim.Method.Valid() {
		return ErrUnsupportedClaim
	}
	if claim.Email == "" {
		if claim.Method.IsOAuth() {
			return ErrUnverifiedEmail
		}
		return ErrInvalidCredentials
	}
	if claim.Method.IsOAuth() && claim.ProviderSubjectID == "" {
		return ErrUnsupportedClaim
	}
	return nil
}

func claimMethod(claim *identity.Claim) model.Method {
	if claim == nil {
		return ""
	}
	return claim.Method
}

func findMethod(methods []*model.LinkedMethod, method model.Method) *model.LinkedMethod {
	for _, m := range methods {
		if m.Method == method {
			return m
		}
	}
	return nil
}

// fillProfile は空の項目のみClaimの値で埋める。変更があればtrueを返す。
func fillProfile(account *model.Account, claim *identity.Claim) bool {
	changed := false
	if account.DisplayName == "" && claim.DisplayName != "" {
		account.DisplayName = claim.DisplayName
		changed = true
	}
	if account.AvatarURL == "" && claim.AvatarURL != "" {
		account.AvatarURL = claim.AvatarURL
		changed = true
	}
	return changed
}

// refreshProfile は連携済みIdPから得た空でない値でプロフィールを更新する。後勝ち。
func refreshProfile(account *model.Account, claim *identity.Claim) bool {
	changed := false
	if claim.DisplayName != "" && account.DisplayName != claim.DisplayName {
		account.DisplayName = claim.DisplayName
		changed = true
	}
	if claim.AvatarURL != "" && account.AvatarURL != claim.AvatarURL {
		account.AvatarURL = claim.AvatarURL
		changed = true
	}
	return changed
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrAccountSuspended):
		return metrics.OutcomeSuspended
	case errors.Is(err, ErrLinkingConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrUnverifiedEmail):
		return metrics.OutcomeUnverified
	default:
		return metrics.OutcomeFailure
	}
}
