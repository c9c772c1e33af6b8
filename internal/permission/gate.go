// Package permission はロールとリソース・操作の組から可否を判定する。
package permission

import (
	"sort"
	"strings"

	"github.com/hitoshi/newtifi/internal/model"
)

// リソース名
const (
	ResourceUsers     = "users"
	ResourceArticles  = "articles"
	ResourceReviews   = "reviews"
	ResourceDocuments = "documents"
	ResourceAnalytics = "analytics"
	ResourceSettings  = "settings"
	ResourceAdmin     = "admin"
	ResourceDashboard = "dashboard"
	ResourceProfile   = "profile"
)

// 操作名
const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionPublish = "publish"
	ActionAssign  = "assign"
	ActionAccess  = "access"
)

// roleAnonymous は未認証または停止中のアカウントに適用するロール。
const roleAnonymous model.Role = "anonymous"

type grants map[string][]string

// defaultTable はロールごとの許可表。
var defaultTable = map[model.Role]grants{
	model.RoleAdmin: {
		ResourceUsers:     {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
		ResourceArticles:  {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionPublish},
		ResourceReviews:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionAssign},
		ResourceAnalytics: {ActionRead},
		ResourceSettings:  {ActionRead, ActionUpdate},
		ResourceAdmin:     {ActionAccess},
		ResourceDashboard: {ActionAccess},
		ResourceProfile:   {ActionRead, ActionUpdate},
	},
	model.RoleContributor: {
		ResourceArticles:  {ActionCreate, ActionRead, ActionUpdate},
		ResourceDocuments: {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
		ResourceReviews:   {ActionCreate, ActionRead, ActionUpdate},
		ResourceDashboard: {ActionAccess},
		ResourceProfile:   {ActionRead, ActionUpdate},
	},
	model.RoleMember: {
		ResourceArticles: {ActionRead},
		ResourceProfile:  {ActionRead, ActionUpdate},
	},
	roleAnonymous: {
		ResourceArticles: {ActionRead},
	},
}

// Gate はロールベースのアクセス判定を行う。状態を持たず並行利用できる。
type Gate struct {
	allowed map[model.Role]map[string]bool // role -> "resource:action"
	known   map[string]bool                // いずれかのロールに現れるリソース
}

// NewGate は既定の許可表でGateを生成する。
func NewGate() *Gate {
	g := &Gate{
		allowed: make(map[model.Role]map[string]bool),
		known:   make(map[string]bool),
	}
	for role, gr := range defaultTable {
		set := make(map[string]bool)
		for resource, actions := range gr {
			g.known[resource] = true
			for _, action := range actions {
				set[resource+":"+action] = true
			}
		}
		g.allowed[role] = set
	}
	return g
}

// CanAccess はaccountがresourceに対してactionを実行できるかを返す。
// nilまたは停止中のアカウントは未認証として扱う。
// 許可表にないリソースへのread/accessは許可し、それ以外の未登録の組は拒否する。
func (g *Gate) CanAccess(account *model.Account, resource, action string) bool {
	role := effectiveRole(account)
	if g.allowed[role][resource+":"+action] {
		return true
	}
	if !g.known[resource] && isNavigation(action) {
		return true
	}
	return false
}

// RoleCan はロールがresourceに対してactionを実行できるかを返す。
func (g *Gate) RoleCan(role model.Role, resource, action string) bool {
	return g.CanAccess(&model.Account{Role: role}, resource, action)
}

func effectiveRole(account *model.Account) model.Role {
	if account == nil || account.IsSuspended || !account.Role.Valid() {
		return roleAnonymous
	}
	return account.Role
}

func isNavigation(action string) bool {
	return action == ActionRead || action == ActionAccess
}

// RoutePermission はダッシュボードのルートに必要なリソースと操作。
type RoutePermission struct {
	Resource string
	Action   string
}

// routePermissions はダッシュボードのルートと必要な権限の対応。
var routePermissions = map[string]RoutePermission{
	"/admin":           {ResourceAdmin, ActionAccess},
	"/professor":       {ResourceDashboard, ActionAccess},
	"/reviewer":        {ResourceDashboard, ActionAccess},
	"/author":          {ResourceDashboard, ActionAccess},
	"/articles/submit": {ResourceArticles, ActionCreate},
	"/articles/edit":   {ResourceArticles, ActionUpdate},
	"/reviews":         {ResourceReviews, ActionRead},
	"/documents":       {ResourceDocuments, ActionRead},
	"/analytics":       {ResourceAnalytics, ActionRead},
	"/profile":         {ResourceProfile, ActionRead},
}

// RouteFor はパスに対応する権限を返す。対応がない公開ルートではfalseを返す。
func RouteFor(path string) (RoutePermission, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	p, ok := routePermissions[path]
	return p, ok
}

// CanAccessRoute はaccountがpathのページを表示できるかを返す。
// 対応表にないルートは公開ルートとして許可する。
func (g *Gate) CanAccessRoute(account *model.Account, path string) bool {
	p, ok := RouteFor(path)
	if !ok {
		return true
	}
	return g.CanAccess(account, p.Resource, p.Action)
}

// AccessibleRoutes はaccountが表示できる保護ルートをパスの昇順で返す。
func (g *Gate) AccessibleRoutes(account *model.Account) []string {
	routes := make([]string, 0, len(routePermissions))
	for path, p := range routePermissions {
		if g.CanAccess(account, p.Resource, p.Action) {
			routes = append(routes, path)
		}
	}
	sort.Strings(routes)
	return routes
}
