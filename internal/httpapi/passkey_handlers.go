// ABOUTME: Handlers for passkey registration and discoverable login
// ABOUTME: The finish step of login issues a session like password login

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/2389/beacon-gateway/internal/auth"
)

type passkeyFinishRequest struct {
	SessionToken string          `json:"sessionToken"`
	Response     json.RawMessage `json:"response"`
}

type passkeyResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	SignCount uint32 `json:"sign_count"`
}

func (a *API) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	creds, err := a.passkeys.List(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]passkeyResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, passkeyResponse{
			ID:        c.ID,
			CreatedAt: c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			SignCount: c.SignCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": out})
}

func (a *API) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	challenge, err := a.passkeys.BeginRegistration(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (a *API) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	var req passkeyFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	cred, err := a.passkeys.FinishRegistration(r.Context(), id, req.SessionToken, req.Response)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "id": cred.ID})
}

func (a *API) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	challenge, err := a.passkeys.BeginLogin(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (a *API) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req passkeyFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.passkeys.FinishLogin(r.Context(), req.SessionToken, req.Response, requestMeta(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.startSession(w, http.StatusOK, res)
}
