// ABOUTME: Privileged handlers for accounts, forced revocation and the audit log
// ABOUTME: Also serves notification channel configuration and test sends

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/beacon-gateway/internal/account"
	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/notify"
	"github.com/2389/beacon-gateway/internal/store"
)

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.accounts.ListAccounts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, toAccountResponse(acct))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

type createAccountRequest struct {
	Username           string `json:"username"`
	DisplayName        string `json:"display_name"`
	Password           string `json:"password"`
	Privileged         bool   `json:"privileged"`
	MustRotatePassword bool   `json:"must_rotate_password"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	acct, err := a.accounts.CreateAccount(r.Context(), id, account.CreateInput{
		Username:           req.Username,
		DisplayName:        req.DisplayName,
		Password:           req.Password,
		Privileged:         req.Privileged,
		MustRotatePassword: req.MustRotatePassword,
	}, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (a *API) handleAdminRevokeSessions(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	n, err := a.accounts.RevokeAllSessions(r.Context(), id, r.PathValue("id"), requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

type setPrivilegedRequest struct {
	Privileged bool `json:"privileged"`
}

func (a *API) handleSetPrivileged(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	var req setPrivilegedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.accounts.SetPrivileged(r.Context(), id, r.PathValue("id"), req.Privileged, requestMeta(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseAuditFilter reads action, actor, target, since (RFC 3339) and limit.
func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}
	if v := q.Get("actor"); v != "" {
		f.ActorAccountID = &v
	}
	if v := q.Get("target"); v != "" {
		f.TargetID = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, auth.Invalid("since must be an RFC 3339 timestamp")
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return f, auth.Invalid("limit must be a number")
		}
		f.Limit = limit
	}
	return f, nil
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entries, err := a.accounts.ListAudit(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := a.channels.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (a *API) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := a.channels.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type saveChannelRequest struct {
	Type    store.ChannelType `json:"type"`
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config"`
}

func (a *API) handleSaveChannel(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	var req saveChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.channels.Save(r.Context(), id, notify.ChannelInput{
		Name:    r.PathValue("name"),
		Type:    req.Type,
		Enabled: req.Enabled,
		Config:  req.Config,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if err := a.channels.Delete(r.Context(), id, r.PathValue("name")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	res, err := a.channels.Test(r.Context(), id, r.PathValue("name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
