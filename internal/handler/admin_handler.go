package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
	"github.com/hitoshi/newtifi/internal/session"
	"github.com/hitoshi/newtifi/internal/user"
)

// AdminServiceInterface は管理ハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	List(ctx context.Context, limit, offset int) ([]*model.Account, error)
	Get(ctx context.Context, accountID string) (*user.AccountDetail, error)
	SetRole(ctx context.Context, actor *model.Account, accountID string, role model.Role) (*model.Account, error)
	SetSuspended(ctx context.Context, actor *model.Account, accountID string, suspended bool, reason string) (*model.Account, error)
}

// AdminHandler はアカウント管理のHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

type setRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin contributor member"`
}

type setSuspensionRequest struct {
	Suspended *bool  `json:"suspended" validate:"required"`
	Reason    string `json:"reason" validate:"max=500"`
}

// List はアカウント一覧を返す。
// GET /api/admin/accounts?limit=50&offset=0
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("limit", "must be an integer"))
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("offset", "must be an integer"))
		return
	}

	accounts, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]adminAccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAdminAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": out,
	})
}

// Get はアカウント詳細を返す。
// GET /api/admin/accounts/{id}
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": toAdminAccountResponse(detail.Account),
		"methods": toMethodResponses(detail.Methods),
	})
}

// SetRole はアカウントのロールを変更する。
// PUT /api/admin/accounts/{id}/role
func (h *AdminHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	actor := session.FromContext(r.Context()).Account
	account, err := h.service.SetRole(r.Context(), actor, chi.URLParam(r, "id"), model.Role(req.Role))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAdminAccountResponse(account))
}

// SetSuspension はアカウントの停止状態を変更する。停止時はセッションを失効させる。
// PUT /api/admin/accounts/{id}/suspension
func (h *AdminHandler) SetSuspension(w http.ResponseWriter, r *http.Request) {
	var req setSuspensionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	actor := session.FromContext(r.Context()).Account
	account, err := h.service.SetSuspended(r.Context(), actor, chi.URLParam(r, "id"), *req.Suspended, req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAdminAccountResponse(account))
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// compile-time interface check
var _ AdminServiceInterface = (*user.Service)(nil)
