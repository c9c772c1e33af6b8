package linking

import "strings"

// AllowList は作成時にadminロールを付与するメールアドレスの一覧。
// "alice@example.com" は完全一致、"@example.com" はドメイン一致として扱う。
type AllowList struct {
	emails  map[string]bool
	domains map[string]bool
}

// NewAllowList はエントリからAllowListを生成する。空のエントリは無視する。
func NewAllowList(entries []string) AllowList {
	l := AllowList{
		emails:  make(map[string]bool),
		domains: make(map[string]bool),
	}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "" || e == "@":
		case strings.HasPrefix(e, "@"):
			l.domains[e[1:]] = true
		default:
			l.emails[e] = true
		}
	}
	return l
}

// Matches は正規化済みのメールアドレスが一覧に含まれるかを返す。
func (l AllowList) Matches(email string) bool {
	if l.emails[email] {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	return l.domains[email[at+1:]]
}

// Len はエントリ数を返す。
func (l AllowList) Len() int {
	return len(l.emails) + len(l.domains)
}
