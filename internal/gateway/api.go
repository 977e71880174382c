package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/turnstile/internal/session"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorObject(err))
}

// httpStatus maps an error kind to the HTTP status of a synchronous
// rejection.
func httpStatus(kind types.ErrorKind) int {
	switch kind {
	case types.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case types.KindAlreadyInFlight:
		return http.StatusConflict
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindOverCapacity, types.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case types.KindInvalidRequest:
		return http.StatusBadRequest
	case types.KindSessionNotFound:
		return http.StatusNotFound
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"shedding": s.admission.Shedding(),
	})
}

type statsResponse struct {
	Queue       store.Stats   `json:"queue"`
	Sessions    session.Stats `json:"sessions"`
	Connections int           `json:"connections"`
	Shedding    bool          `json:"shedding"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Queue:       qs,
		Sessions:    s.sessions.Stats(),
		Connections: s.Connections(),
		Shedding:    s.admission.Shedding(),
	})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := types.TurnID(r.PathValue("id"))
	t, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, types.NewError(types.KindInvalidRequest, "turn not found"))
		return
	}
	if err != nil {
		s.logger.Error("get turn failed", "turn_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Lease tokens and history snapshots stay server-side.
	t.LeaseToken = ""
	t.History = nil
	writeJSON(w, http.StatusOK, t)
}

type submitResponse struct {
	SessionID types.SessionID  `json:"session_id"`
	TurnID    types.TurnID     `json:"turn_id"`
	Status    types.TurnStatus `json:"status"`
}

// detached stands in for a connection on one-shot HTTP submissions. Output
// for those sessions is buffered and read back through /api/turns.
type detached struct{ id types.ConnID }

func (d detached) ID() types.ConnID { return d.id }

func (detached) Send(*types.Envelope) bool { return false }

func (detached) Close(string) {}

func sameOwner(a, b string) bool {
	return a == b || (types.IsAnonymous(a) && types.IsAnonymous(b))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identity.Identify(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, types.WrapError(types.KindUnauthorized, err, "invalid credentials"))
		return
	}

	var req types.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.KindInvalidRequest, "invalid JSON"))
		return
	}

	ctx := r.Context()
	if req.SessionID == "" {
		hc := detached{id: types.NewConnID()}
		sess, _, err := s.sessions.Resume(ctx, "", userID, hc)
		if err != nil {
			writeError(w, httpStatus(types.KindOf(err)), err)
			return
		}
		s.sessions.Detach(sess.ID, hc.id)
		req.SessionID = sess.ID
	} else if sess, ok := s.sessions.Get(req.SessionID); !ok || !sameOwner(sess.UserID, userID) {
		writeError(w, http.StatusNotFound, session.ErrNotFound)
		return
	}

	ack, err := s.admission.Submit(ctx, userID, req)
	if err != nil {
		writeError(w, httpStatus(types.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: req.SessionID, TurnID: ack.TurnID, Status: ack.Status})
}
