package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayNameRunes は表示名の最大文字数。
const maxDisplayNameRunes = 100

// ProfileSanitizer はIdPや登録フォームから受け取ったプロフィール情報を無害化する。
type ProfileSanitizer interface {
	// DisplayName はマークアップと制御文字を除去し、前後の空白を除いた表示名を返す。
	DisplayName(raw string) string
	// AvatarURL はhttpsの絶対URLのみを返し、それ以外は空文字列を返す。
	AvatarURL(raw string) string
}

// profileSanitizer はProfileSanitizerの実装。
// bluemondayのStrictPolicyで全タグを除去する。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxUnescapeDepth は多重にエンコードされた実体参照を展開する上限。
const maxUnescapeDepth = 3

// DisplayName は表示名をサニタイズする。
// 保存する表示名はプレーンテキストで、出力時のエスケープは呼び出し側が行う。
// 実体参照で隠したタグも除去するため、展開してからStrictPolicyにかけ、
// StrictPolicyがエスケープしたテキストを元の文字へ戻す。
func (s *profileSanitizer) DisplayName(raw string) string {
	for i := 0; i < maxUnescapeDepth; i++ {
		unescaped := html.UnescapeString(raw)
		if unescaped == raw {
			break
		}
		raw = unescaped
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	stripped = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, stripped)
	stripped = strings.Join(strings.Fields(stripped), " ")

	if r := []rune(stripped); len(r) > maxDisplayNameRunes {
		stripped = string(r[:maxDisplayNameRunes])
	}
	return stripped
}

// AvatarURL はアバターURLを検証し、安全でない場合は空文字列を返す。
func (s *profileSanitizer) AvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if err := ValidateAvatarURL(raw); err != nil {
		return ""
	}
	return raw
}

// compile-time interface check
var _ ProfileSanitizer = (*profileSanitizer)(nil)
