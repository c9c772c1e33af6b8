// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrEmptyPassword は空のパスワードをハッシュ化しようとした場合に返る。
var ErrEmptyPassword = errors.New("security: empty password")

// PasswordHasher はパスワードのハッシュ化と検証のインターフェースを定義する。
type PasswordHasher interface {
	// Hash はパスワードをPHC形式の文字列にハッシュ化する。
	Hash(plain string) (string, error)
	// Verify はパスワードがハッシュと一致するかを定数時間で検証する。
	// ハッシュの形式が不正な場合はfalseを返す。
	Verify(plain, encoded string) bool
}

// Argon2Params はargon2idのパラメータ。
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2Params は本番環境で使用するパラメータ。
var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 3, Parallelism: 1, SaltLen: 16, KeyLen: 32}

// argon2Hasher はargon2idによるPasswordHasherの実装。
type argon2Hasher struct {
	params Argon2Params
}

// NewArgon2Hasher はargon2idを使用するPasswordHasherを生成する。
func NewArgon2Hasher(params Argon2Params) *argon2Hasher {
	return &argon2Hasher{params: params}
}

// Hash は $argon2id$v=19$m=...,t=...,p=...$<salt>$<key> 形式の文字列を返す。
func (h *argon2Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptyPassword
	}
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はパスワードがハッシュと一致するかを検証する。
// パラメータはハッシュ文字列から読み取るため、パラメータ変更前のハッシュも検証できる。
func (h *argon2Hasher) Verify(plain, encoded string) bool {
	var version int
	var memory, time uint32
	var parallelism uint8
	var saltB64, keyB64 string

	parts := splitPHC(encoded)
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false
	}
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false
	}
	saltB64, keyB64 = parts[3], parts[4]

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	stored, err := base64.RawStdEncoding.DecodeString(keyB64)
	if err != nil || len(stored) == 0 {
		return false
	}
	key := argon2.IDKey([]byte(plain), salt, time, memory, parallelism, uint32(len(stored)))
	return subtle.ConstantTimeCompare(key, stored) == 1
}

// splitPHC は先頭の$を除いてPHC文字列を$で分割する。
func splitPHC(s string) []string {
	if len(s) == 0 || s[0] != '$' {
		return nil
	}
	var parts []string
	start := 1
	for i := 1; i < len(s); i++ {
		if s[i] == '$' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// compile-time interface check
var _ PasswordHasher = (*argon2Hasher)(nil)
