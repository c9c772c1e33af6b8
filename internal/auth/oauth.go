package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/newtifi/internal/identity"
	"github.com/hitoshi/newtifi/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/linkedin"
)

const (
	defaultGoogleUserInfoURL   = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultLinkedInUserInfoURL = "https://api.linkedin.com/v2/userinfo"

	// maxUserInfoBytes はユーザー情報レスポンスの読み取り上限。
	maxUserInfoBytes = 1 << 20
)

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダーに対応する認証手段を返す。
	Name() model.Method
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を正規化したClaimを返す。
	ExchangeCode(ctx context.Context, code string) (*identity.Claim, error)
}

// ProviderConfig はOAuthプロバイダーの設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient はトークン交換とユーザー情報取得に使用する。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// Enabled はクライアントIDとシークレットが設定されているかを返す。
func (c ProviderConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// OIDCProvider はOpenID Connectのuserinfoエンドポイントを持つOAuth 2.0プロバイダー。
type OIDCProvider struct {
	method      model.Method
	oauth       *oauth2.Config
	userInfoURL string
	client      *http.Client
}

// NewGoogleOAuthProvider はGoogleのOIDCProviderを生成する。
func NewGoogleOAuthProvider(config ProviderConfig) *OIDCProvider {
	return newOIDCProvider(model.MethodGoogle, google.Endpoint, defaultGoogleUserInfoURL, config)
}

// NewLinkedInOAuthProvider はLinkedIn（Sign In with LinkedIn using OpenID Connect）のOIDCProviderを生成する。
func NewLinkedInOAuthProvider(config ProviderConfig) *OIDCProvider {
	endpoint := linkedin.Endpoint
	// LinkedInはclient_secretをリクエストボディで受け取る
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return newOIDCProvider(model.MethodLinkedIn, endpoint, defaultLinkedInUserInfoURL, config)
}

func newOIDCProvider(method model.Method, endpoint oauth2.Endpoint, userInfoURL string, config ProviderConfig) *OIDCProvider {
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.UserInfoURL != "" {
		userInfoURL = config.UserInfoURL
	}
	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &OIDCProvider{
		method: method,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: userInfoURL,
		client:      client,
	}
}

// Name はプロバイダーに対応する認証手段を返す。
func (p *OIDCProvider) Name() model.Method {
	return p.method
}

// GetLoginURL はOAuthの認証URLを生成する。
// スコープにはopenid, email, profileを含む。
func (p *OIDCProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// 検証済みのメールアドレスがない場合はidentity.ErrUnverifiedEmailを返す。
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (*identity.Claim, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	// 1. 認可コードをアクセストークンに交換
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	// 2. アクセストークンでユーザー情報を取得
	info, err := p.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	// 3. Claimに正規化
	claim, err := identity.FromOAuthProfile(p.method, identity.Profile{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: bool(info.EmailVerified),
		Name:          info.Name,
		Picture:       info.Picture,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid %s profile: %w", p.method, err)
	}
	return claim, nil
}

// userInfo はOIDCのuserinfoエンドポイントのレスポンス。
type userInfo struct {
	Sub           string       `json:"sub"`
	Email         string       `json:"email"`
	EmailVerified verifiedFlag `json:"email_verified"`
	Name          string       `json:"name"`
	Picture       string       `json:"picture"`
}

// verifiedFlag はemail_verifiedの真偽値。bool、または文字列の"true"/"false"を受け付ける。
type verifiedFlag bool

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (f *verifiedFlag) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		*f = verifiedFlag(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("email_verified must be a boolean: %w", err)
	}
	*f = verifiedFlag(strings.EqualFold(s, "true"))
	return nil
}

// fetchUserInfo はアクセストークンでユーザー情報を取得する。
func (p *OIDCProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*userInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}

	resp, err := p.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	return &info, nil
}

// compile-time interface check
var _ OAuthProvider = (*OIDCProvider)(nil)
