package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/newtifi/internal/model"
)

// Issuer は署名付きアサーションのissクレーム。
const Issuer = "newtifi"

// minSecretLen はHS256の署名鍵に要求する最小バイト数。
const minSecretLen = 32

// ErrInvalidToken はアサーションの形式、署名、発行者、有効期限のいずれかが不正な場合に返る。
var ErrInvalidToken = errors.New("session: invalid token")

// Claims はアサーションのクレーム。subはアカウントID、sidはセッションID。
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Tokens はセッションに紐付くHS256アサーションの発行と検証を行う。
// アサーション単体では認証とならず、参照するセッションがストアに存在する必要がある。
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens はTokensを生成する。secretは32バイト以上であること。
func NewTokens(secret string) (*Tokens, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLen)
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue はセッションに対応するアサーションを発行する。有効期限はセッションと同じ。
func (t *Tokens) Issue(s *model.Session) (string, error) {
	claims := Claims{
		SessionID: s.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   s.AccountID,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はアサーションを検証してクレームを返す。
// HS256以外のアルゴリズム（noneを含む）、他の発行者、期限切れはErrInvalidTokenとなる。
func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.SessionID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
