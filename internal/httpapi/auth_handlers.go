// ABOUTME: Handlers for login, logout, refresh, password change and API keys
// ABOUTME: Session-issuing routes set the same-site cookie and return the token

package httpapi

import (
	"net/http"
	"time"

	"github.com/2389/beacon-gateway/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.accounts.Login(r.Context(), req.Username, req.Password, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.startSession(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if err := a.accounts.Logout(r.Context(), id, requestMeta(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.cookie.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	res, err := a.accounts.Refresh(r.Context(), id, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.startSession(w, http.StatusOK, res)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	n, err := a.accounts.RevokeAllSessions(r.Context(), id, id.AccountID, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.cookie.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.accounts.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.startSession(w, http.StatusOK, res)
}

type meResponse struct {
	accountResponse
	AuthMethod       auth.Method `json:"auth_method"`
	SessionExpiresAt *time.Time  `json:"session_expires_at,omitempty"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	acct, err := a.accounts.Me(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := meResponse{accountResponse: toAccountResponse(acct), AuthMethod: id.Method}
	if id.HasSession() {
		exp := id.ExpiresAt
		resp.SessionExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionSummary struct {
	TokenID    string     `json:"token_id"`
	AuthMethod string     `json:"auth_method"`
	ClientAddr string     `json:"client_addr,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	Current    bool       `json:"current"`
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	sessions, err := a.sessions.List(r.Context(), id.AccountID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			TokenID:    s.TokenID,
			AuthMethod: string(s.AuthMethod),
			ClientAddr: s.ClientAddr,
			UserAgent:  s.UserAgent,
			IssuedAt:   s.IssuedAt,
			ExpiresAt:  s.ExpiresAt,
			Revoked:    s.Revoked,
			RevokedAt:  s.RevokedAt,
			Current:    s.TokenID == id.TokenID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type apiKeyResponse struct {
	APIKey string `json:"api_key"`
	Suffix string `json:"suffix"`
}

func (a *API) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	key, err := a.accounts.IssueAPIKey(r.Context(), id, id.AccountID, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, apiKeyResponse{APIKey: key.Plaintext, Suffix: key.DisplaySuffix})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if err := a.accounts.RevokeAPIKey(r.Context(), id, id.AccountID, requestMeta(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
