package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/session"
)

// LinkingServiceInterface はアカウントハンドラーが必要とする連携サービスのインターフェース。
type LinkingServiceInterface interface {
	ListMethods(ctx context.Context, accountID string) ([]*model.LinkedMethod, error)
	Unlink(ctx context.Context, accountID string, method model.Method) error
	SetPrimary(ctx context.Context, accountID string, method model.Method) error
}

// RouteListerInterface はアカウントが表示できるルートを返すインターフェース。
type RouteListerInterface interface {
	AccessibleRoutes(account *model.Account) []string
}

// AccountHandler はログイン中のアカウント自身の認証手段を扱うHTTPハンドラー。
type AccountHandler struct {
	linking LinkingServiceInterface
	routes  RouteListerInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(linking LinkingServiceInterface, routes RouteListerInterface) *AccountHandler {
	return &AccountHandler{
		linking: linking,
		routes:  routes,
	}
}

// ListMethods は紐付いた認証手段の一覧を返す。
// GET /api/account/methods
func (h *AccountHandler) ListMethods(w http.ResponseWriter, r *http.Request) {
	account := session.FromContext(r.Context()).Account
	if account == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	methods, err := h.linking.ListMethods(r.Context(), account.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"methods": toMethodResponses(methods),
	})
}

// Unlink は認証手段の連携を解除する。プライマリは解除できない。
// DELETE /api/account/methods/{method}
func (h *AccountHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	account, method, ok := h.accountAndMethod(w, r)
	if !ok {
		return
	}

	if err := h.linking.Unlink(r.Context(), account.ID, method); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetPrimary はプライマリの認証手段を変更する。
// PUT /api/account/methods/{method}/primary
func (h *AccountHandler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	account, method, ok := h.accountAndMethod(w, r)
	if !ok {
		return
	}

	if err := h.linking.SetPrimary(r.Context(), account.ID, method); err != nil {
		handleServiceError(w, err)
		return
	}

	methods, err := h.linking.ListMethods(r.Context(), account.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"methods": toMethodResponses(methods),
	})
}

// Routes はアカウントが表示できるダッシュボードのルートを返す。
// GET /api/account/routes
func (h *AccountHandler) Routes(w http.ResponseWriter, r *http.Request) {
	account := session.FromContext(r.Context()).Account
	if account == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":   string(account.Role),
		"routes": h.routes.AccessibleRoutes(account),
	})
}

func (h *AccountHandler) accountAndMethod(w http.ResponseWriter, r *http.Request) (*model.Account, model.Method, bool) {
	account := session.FromContext(r.Context()).Account
	if account == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, "", false
	}

	method := model.Method(strings.ToLower(chi.URLParam(r, "method")))
	if !method.Valid() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewMethodNotLinkedError(method))
		return nil, "", false
	}
	return account, method, true
}
