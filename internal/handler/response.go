package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hitoshi/newtifi/internal/auth"
	"github.com/hitoshi/newtifi/internal/identity"
	"github.com/hitoshi/newtifi/internal/linking"
	"github.com/hitoshi/newtifi/internal/middleware"
	"github.com/hitoshi/newtifi/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 1 << 16

var validate = validator.New()

// accountResponse はアカウント情報のAPIレスポンス。パスワードハッシュは含めない。
type accountResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// adminAccountResponse は管理画面向けのアカウント情報。
type adminAccountResponse struct {
	accountResponse
	Suspended       bool      `json:"suspended"`
	SuspendedReason string    `json:"suspendedReason,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// methodResponse は認証手段のAPIレスポンス。
type methodResponse struct {
	Method      string    `json:"method"`
	IsPrimary   bool      `json:"isPrimary"`
	LastLoginAt time.Time `json:"lastLoginAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toAccountResponse(a *model.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Email:       a.Email,
		Role:        string(a.Role),
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
	}
}

func toAdminAccountResponse(a *model.Account) adminAccountResponse {
	return adminAccountResponse{
		accountResponse: toAccountResponse(a),
		Suspended:       a.IsSuspended,
		SuspendedReason: a.SuspendedReason,
		CreatedAt:       a.CreatedAt,
	}
}

func toMethodResponses(methods []*model.LinkedMethod) []methodResponse {
	out := make([]methodResponse, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodResponse{
			Method:      string(m.Method),
			IsPrimary:   m.IsPrimary,
			LastLoginAt: m.LastLoginAt,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeRequest はJSONボディをdstに読み込み、validateタグで検証する。
// 失敗した場合は400 VALIDATION_FAILEDを書き込みfalseを返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("body", "malformed JSON"))
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewValidationError(fe.Field(), fmt.Sprintf("failed on '%s' validation", fe.Tag())))
			return false
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	status, apiErr := mapServiceError(err)
	if apiErr == nil {
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

// mapServiceError はエラーをHTTPステータスとAPIErrorに対応付ける。
// 対応がない場合はnilを返す。
func mapServiceError(err error) (int, *model.APIError) {
	var suspended *linking.SuspendedError
	var apiErr *model.APIError

	switch {
	case errors.Is(err, linking.ErrInvalidCredentials):
		return http.StatusUnauthorized, model.NewInvalidCredentialsError()
	case errors.Is(err, identity.ErrUnverifiedEmail), errors.Is(err, identity.ErrMissingSubject):
		return http.StatusForbidden, model.NewUnverifiedEmailError()
	case errors.As(err, &suspended):
		return http.StatusForbidden, model.NewAccountSuspendedError(suspended.Reason)
	case errors.Is(err, linking.ErrAccountSuspended):
		return http.StatusForbidden, model.NewAccountSuspendedError("")
	case errors.Is(err, linking.ErrLinkingConflict):
		return http.StatusConflict, model.NewLinkingConflictError()
	case errors.Is(err, linking.ErrPrimaryMethod):
		return http.StatusConflict, model.NewPrimaryMethodError()
	case errors.Is(err, linking.ErrLastMethod):
		return http.StatusConflict, model.NewLastMethodError()
	case errors.Is(err, linking.ErrMethodNotLinked):
		return http.StatusNotFound, &model.APIError{
			Code:     model.ErrCodeMethodNotLinked,
			Message:  "The sign-in method is not linked.",
			Category: "account",
			Action:   "Check the linked sign-in methods on your profile.",
		}
	case errors.Is(err, linking.ErrAccountNotFound):
		return http.StatusNotFound, model.NewAccountNotFoundError()
	case errors.Is(err, linking.ErrForbidden):
		return http.StatusForbidden, model.NewForbiddenError()
	case errors.Is(err, linking.ErrInvalidRole):
		return http.StatusBadRequest, model.NewValidationError("role", "unknown role")
	case errors.Is(err, linking.ErrUnsupportedClaim), errors.Is(err, identity.ErrUnsupportedMethod):
		return http.StatusBadRequest, model.NewValidationError("method", "unsupported method")
	case errors.Is(err, auth.ErrProviderDisabled):
		return http.StatusNotFound, model.NewProviderDisabledError("this provider")
	case errors.As(err, &apiErr):
		return mapAPIErrorToHTTPStatus(apiErr), apiErr
	}
	return 0, nil
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeUnverifiedEmail, model.ErrCodeAccountSuspended, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeLinkingConflict, model.ErrCodePrimaryMethod, model.ErrCodeLastMethod:
		return http.StatusConflict
	case model.ErrCodeMethodNotLinked, model.ErrCodeAccountNotFound, model.ErrCodeProviderDisabled:
		return http.StatusNotFound
	case model.ErrCodeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
