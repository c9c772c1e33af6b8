package linking

import (
	"errors"

	"github.com/hitoshi/newtifi/internal/identity"
)

var (
	// ErrUnverifiedEmail はIdPがメールアドレスを検証済みとして返さなかった場合に返る。
	ErrUnverifiedEmail = identity.ErrUnverifiedEmail

	// ErrInvalidCredentials は未登録メールアドレスとパスワード誤りの両方で返る。
	// 呼び出し側はどちらの場合かを区別できない。
	ErrInvalidCredentials = errors.New("linking: invalid credentials")

	// ErrAccountSuspended はアカウントが停止されている場合に返る。
	ErrAccountSuspended = errors.New("linking: account suspended")

	// ErrLinkingConflict は連携ポリシーにより認証手段を追加できない場合に返る。
	ErrLinkingConflict = errors.New("linking: method cannot be attached under the current policy")

	ErrAccountNotFound  = errors.New("linking: account not found")
	ErrMethodNotLinked  = errors.New("linking: method not linked")
	ErrPrimaryMethod    = errors.New("linking: primary method cannot be unlinked")
	ErrLastMethod       = errors.New("linking: last remaining method cannot be unlinked")
	ErrForbidden        = errors.New("linking: forbidden")
	ErrInvalidRole      = errors.New("linking: invalid role")
	ErrUnsupportedClaim = errors.New("linking: unsupported claim")
)

// SuspendedError は停止理由を保持するErrAccountSuspended。
type SuspendedError struct {
	Reason string
}

func (e *SuspendedError) Error() string {
	if e.Reason == "" {
		return ErrAccountSuspended.Error()
	}
	return ErrAccountSuspended.Error() + ": " + e.Reason
}

// Unwrap はerrors.Is(err, ErrAccountSuspended)を成立させる。
func (e *SuspendedError) Unwrap() error {
	return ErrAccountSuspended
}
