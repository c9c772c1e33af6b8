package permission

import (
	"reflect"
	"testing"

	"github.com/hitoshi/newtifi/internal/model"
)

func account(role model.Role) *model.Account {
	return &model.Account{ID: "acc-1", Role: role}
}

func TestGate_CanAccess(t *testing.T) {
	g := NewGate()

	tests := []struct {
		name     string
		account  *model.Account
		resource string
		action   string
		want     bool
	}{
		{"adminはユーザーを更新できる", account(model.RoleAdmin), ResourceUsers, ActionUpdate, true},
		{"adminは記事を公開できる", account(model.RoleAdmin), ResourceArticles, ActionPublish, true},
		{"contributorは記事を作成できる", account(model.RoleContributor), ResourceArticles, ActionCreate, true},
		{"contributorは記事を公開できない", account(model.RoleContributor), ResourceArticles, ActionPublish, false},
		{"contributorはユーザーを更新できない", account(model.RoleContributor), ResourceUsers, ActionUpdate, false},
		{"memberは記事を読める", account(model.RoleMember), ResourceArticles, ActionRead, true},
		{"memberは記事を作成できない", account(model.RoleMember), ResourceArticles, ActionCreate, false},
		{"memberはプロフィールを更新できる", account(model.RoleMember), ResourceProfile, ActionUpdate, true},
		{"memberは管理画面に入れない", account(model.RoleMember), ResourceAdmin, ActionAccess, false},
		{"memberはユーザー一覧を読めない", account(model.RoleMember), ResourceUsers, ActionRead, false},
		{"未認証は記事を読める", nil, ResourceArticles, ActionRead, true},
		{"未認証はプロフィールを読めない", nil, ResourceProfile, ActionRead, false},
		{"未知のリソースの閲覧は許可", account(model.RoleMember), "journals", ActionRead, true},
		{"未知のリソースへのアクセスは許可", nil, "newsletter", ActionAccess, true},
		{"未知のリソースの作成は拒否", account(model.RoleAdmin), "journals", ActionCreate, false},
		{"未知のリソースの削除は拒否", account(model.RoleMember), "journals", ActionDelete, false},
		{"未知の操作は拒否", account(model.RoleAdmin), ResourceArticles, "archive", false},
		{"停止中のadminは未認証扱い", &model.Account{Role: model.RoleAdmin, IsSuspended: true}, ResourceUsers, ActionRead, false},
		{"停止中でも記事は読める", &model.Account{Role: model.RoleAdmin, IsSuspended: true}, ResourceArticles, ActionRead, true},
		{"不正なロールは未認証扱い", account("superuser"), ResourceUsers, ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.CanAccess(tt.account, tt.resource, tt.action); got != tt.want {
				t.Errorf("CanAccess(%s, %s) = %v, want %v", tt.resource, tt.action, got, tt.want)
			}
		})
	}
}

func TestGate_RoleCan(t *testing.T) {
	g := NewGate()
	if !g.RoleCan(model.RoleAdmin, ResourceUsers, ActionUpdate) {
		t.Error("admin should update users")
	}
	if g.RoleCan(model.RoleMember, ResourceUsers, ActionUpdate) {
		t.Error("member should not update users")
	}
}

func TestRouteFor(t *testing.T) {
	p, ok := RouteFor("/articles/submit/")
	if !ok || p != (RoutePermission{ResourceArticles, ActionCreate}) {
		t.Errorf("RouteFor(/articles/submit/) = %+v, %v", p, ok)
	}
	if _, ok := RouteFor("/about"); ok {
		t.Error("RouteFor(/about) should be a public route")
	}
}

func TestGate_CanAccessRoute(t *testing.T) {
	g := NewGate()
	if !g.CanAccessRoute(nil, "/about") {
		t.Error("public routes should be accessible to anonymous visitors")
	}
	if g.CanAccessRoute(account(model.RoleMember), "/admin") {
		t.Error("member should not access /admin")
	}
	if !g.CanAccessRoute(account(model.RoleContributor), "/author") {
		t.Error("contributor should access /author")
	}
}

func TestGate_AccessibleRoutes(t *testing.T) {
	g := NewGate()

	tests := []struct {
		name    string
		account *model.Account
		want    []string
	}{
		{"未認証", nil, []string{}},
		{"member", account(model.RoleMember), []string{"/profile"}},
		{"contributor", account(model.RoleContributor), []string{
			"/articles/edit", "/articles/submit", "/author", "/documents",
			"/professor", "/profile", "/reviewer", "/reviews",
		}},
		{"admin", account(model.RoleAdmin), []string{
			"/admin", "/analytics", "/articles/edit", "/articles/submit", "/author",
			"/professor", "/profile", "/reviewer", "/reviews",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.AccessibleRoutes(tt.account)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AccessibleRoutes = %v, want %v", got, tt.want)
			}
		})
	}
}
