package localapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gcdcore/agent/internal/command"
)

// handlePostRegistrationStart begins the OAuth handshake: the caller
// supplies client_id/client_secret/api_key/device_kind/system_name and
// optionally oauth_url/service_url (defaulted server-side otherwise), and
// gets back the ticket id plus the user-facing authorization URL.
func (s *Server) handlePostRegistrationStart(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeNotFound(w, "registration controller not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "failed to parse request body")
		return
	}

	ticketID, authURL, err := s.controller.StartRegistration(r.Context(), params)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticketId": ticketID, "authUrl": authURL})
}

// handlePostRegistrationFinish completes the handshake. userAuthCode is
// optional: omit it when the ticket is approved without binding a user
// email, matching FinishRegistration's own contract.
func (s *Server) handlePostRegistrationFinish(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeNotFound(w, "registration controller not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body struct {
		UserAuthCode string `json:"userAuthCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeBadRequest(w, "failed to parse request body")
		return
	}

	if err := s.controller.FinishRegistration(r.Context(), body.UserAuthCode); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.controller.GcdState().String()})
}

const maxRequestBodySize = 1 << 20 // 1 MiB

// handleGetState renders every currently-set state property as a single
// JSON object keyed by qualified property name.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.state.GetState()
	out := make(map[string]json.RawMessage, len(snapshot))
	for name, v := range snapshot {
		raw, err := v.ToJSON()
		if err != nil {
			writeInternalError(w, "failed to encode state")
			return
		}
		out[name] = raw
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePostCommand accepts a command envelope in the same shape the cloud
// poll loop feeds the Command Manager, tagging it OriginLocal.
func (s *Server) handlePostCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	id, err := s.commands.AddCommand(body, command.OriginLocal)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleGetCommand renders one command's current lifecycle snapshot.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd := s.commands.FindCommand(id)
	if cmd == nil {
		writeNotFound(w, "unknown command id")
		return
	}

	resp := map[string]any{
		"id":       cmd.ID,
		"name":     cmd.Name,
		"category": cmd.Category,
		"origin":   cmd.Origin.String(),
		"status":   cmd.Status().String(),
	}
	if v := cmd.Progress(); v != nil {
		if raw, err := v.ToJSON(); err == nil {
			resp["progress"] = json.RawMessage(raw)
		}
	}
	if v := cmd.Results(); v != nil {
		if raw, err := v.ToJSON(); err == nil {
			resp["results"] = json.RawMessage(raw)
		}
	}
	if err := cmd.LastError(); err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
