// ABOUTME: JSON HTTP API for login, sessions, API keys, accounts and channels
// ABOUTME: Routes declare their auth level through the auth middleware

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/beacon-gateway/internal/account"
	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/notify"
	"github.com/2389/beacon-gateway/internal/passkey"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Deps are the services the API exposes. Passkeys may be nil.
type Deps struct {
	Accounts   *account.Service
	Channels   *notify.Service
	Passkeys   *passkey.Service
	Sessions   *session.Registry
	Middleware *auth.Middleware
	Cookie     auth.CookieConfig
	Logger     *slog.Logger
}

// API serves the HTTP routes.
type API struct {
	accounts *account.Service
	channels *notify.Service
	passkeys *passkey.Service
	sessions *session.Registry
	mw       *auth.Middleware
	cookie   auth.CookieConfig
	logger   *slog.Logger
}

// New creates the API.
func New(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		accounts: d.Accounts,
		channels: d.Channels,
		passkeys: d.Passkeys,
		sessions: d.Sessions,
		mw:       d.Middleware,
		cookie:   d.Cookie,
		logger:   logger.With("component", "httpapi"),
	}
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.Handler { return a.mw.RequireAuthenticated(h) }
	privileged := func(h http.HandlerFunc) http.Handler { return a.mw.RequirePrivileged(h) }

	mux.HandleFunc("GET /health", a.handleHealth)

	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.Handle("POST /api/auth/logout", authed(a.handleLogout))
	mux.Handle("POST /api/auth/refresh", authed(a.handleRefresh))
	mux.Handle("POST /api/auth/logout-all", authed(a.handleLogoutAll))
	mux.Handle("POST /api/auth/password", authed(a.handleChangePassword))
	mux.Handle("GET /api/auth/me", authed(a.handleMe))
	mux.Handle("GET /api/auth/sessions", authed(a.handleListSessions))
	mux.Handle("POST /api/auth/api-key", authed(a.handleIssueAPIKey))
	mux.Handle("DELETE /api/auth/api-key", authed(a.handleRevokeAPIKey))

	mux.Handle("GET /api/admin/accounts", privileged(a.handleListAccounts))
	mux.Handle("POST /api/admin/accounts", privileged(a.handleCreateAccount))
	mux.Handle("POST /api/admin/accounts/{id}/revoke-sessions", privileged(a.handleAdminRevokeSessions))
	mux.Handle("PUT /api/admin/accounts/{id}/privileged", privileged(a.handleSetPrivileged))
	mux.Handle("GET /api/admin/audit", privileged(a.handleListAudit))

	mux.Handle("GET /api/channels", privileged(a.handleListChannels))
	mux.Handle("GET /api/channels/{name}", privileged(a.handleGetChannel))
	mux.Handle("PUT /api/channels/{name}", privileged(a.handleSaveChannel))
	mux.Handle("DELETE /api/channels/{name}", privileged(a.handleDeleteChannel))
	mux.Handle("POST /api/channels/{name}/test", privileged(a.handleTestChannel))

	if a.passkeys != nil {
		mux.Handle("GET /api/passkeys", authed(a.handleListPasskeys))
		mux.Handle("POST /api/passkeys/register/begin", authed(a.handlePasskeyRegisterBegin))
		mux.Handle("POST /api/passkeys/register/finish", authed(a.handlePasskeyRegisterFinish))
		mux.HandleFunc("POST /api/passkeys/login/begin", a.handlePasskeyLoginBegin)
		mux.HandleFunc("POST /api/passkeys/login/finish", a.handlePasskeyLoginFinish)
	}

	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// accountResponse is the client view of an account.
type accountResponse struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	DisplayName         string     `json:"display_name"`
	IsPrivileged        bool       `json:"is_privileged"`
	MustRotatePassword  bool       `json:"must_rotate_password"`
	APIKeySuffix        string     `json:"api_key_suffix,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at,omitempty"`
}

func toAccountResponse(acct *store.Account) accountResponse {
	return accountResponse{
		ID:                  acct.ID,
		Username:            acct.Username,
		DisplayName:         acct.DisplayName,
		IsPrivileged:        acct.IsPrivileged,
		MustRotatePassword:  acct.MustRotatePassword,
		APIKeySuffix:        acct.APIKeySuffix,
		CreatedAt:           acct.CreatedAt,
		LastAuthenticatedAt: acct.LastAuthenticatedAt,
	}
}

// sessionResponse is returned by login, refresh and password change.
type sessionResponse struct {
	Token              string          `json:"token"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Account            accountResponse `json:"account"`
	MustRotatePassword bool            `json:"must_rotate_password"`
}

// startSession sets the cookie and writes the session body.
func (a *API) startSession(w http.ResponseWriter, status int, res *account.SessionResult) {
	a.cookie.SetSessionCookie(w, res.Token, res.ExpiresAt)
	writeJSON(w, status, sessionResponse{
		Token:              res.Token,
		ExpiresAt:          res.ExpiresAt,
		Account:            toAccountResponse(res.Account),
		MustRotatePassword: res.MustRotatePassword,
	})
}

func requestMeta(r *http.Request) account.RequestMeta {
	return account.RequestMeta{
		ClientAddr: auth.ClientAddr(r),
		UserAgent:  r.UserAgent(),
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return auth.Invalid("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs unclassified errors and writes the mapped response.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var classified *auth.Error
	if !errors.As(err, &classified) {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	auth.WriteError(w, err)
}
