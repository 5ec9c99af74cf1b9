package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/tilestream/internal/engine"
	"github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/registry"
	"github.com/zsiec/tilestream/internal/viewport"
)

const maxRequestBody = 1 << 16

type createSessionRequest struct {
	ManifestURL string              `json:"manifest_url"`
	Orientation *orientationRequest `json:"orientation,omitempty"`
}

// orientationRequest carries exactly one of a quaternion, an Euler rotation
// in radians, or yaw and pitch in degrees.
type orientationRequest struct {
	Quaternion *viewport.Quaternion `json:"quaternion,omitempty"`
	Euler      *viewport.Euler      `json:"euler,omitempty"`
	Yaw        *float64             `json:"yaw,omitempty"`
	Pitch      *float64             `json:"pitch,omitempty"`
}

func (o *orientationRequest) orientation() (viewport.Orientation, error) {
	set := 0
	var out viewport.Orientation
	if o.Quaternion != nil {
		set++
		out = *o.Quaternion
	}
	if o.Euler != nil {
		set++
		out = *o.Euler
	}
	if o.Yaw != nil || o.Pitch != nil {
		if o.Yaw == nil || o.Pitch == nil {
			return nil, errors.NewValidationError("yaw and pitch must be given together")
		}
		if *o.Pitch < 0 || *o.Pitch > 180 {
			return nil, errors.NewValidationError("pitch must be within [0, 180]")
		}
		set++
		out = viewport.FromAngles(*o.Yaw, *o.Pitch)
	}
	if set != 1 {
		return nil, errors.NewValidationError("exactly one of quaternion, euler or yaw/pitch is required")
	}
	return out, nil
}

type playbackRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

type sessionResponse struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Rebuffers int64         `json:"rebuffers"`
	Status    engine.Status `json:"status"`
}

func newSessionResponse(sess *session) sessionResponse {
	return sessionResponse{
		ID:        sess.id,
		CreatedAt: sess.createdAt,
		Rebuffers: sess.rebuffers.Load(),
		Status:    sess.engine.Status(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.create(r.Context(), req.ManifestURL, req.Orientation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+sess.id)
	s.writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

// handleListSessions lists every registered session, including those owned
// by other processes sharing the registry.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, errors.NewServiceDownError("session registry"))
		return
	}
	if sessions == nil {
		sessions = []*registry.Session{}
	}
	s.writeJSON(w, http.StatusOK, struct {
		Sessions []*registry.Session `json:"sessions"`
		Count    int                 `json:"count"`
	}{Sessions: sessions, Count: len(sessions)})
}

// handleGetSession returns live status for local sessions and the registry
// record for remote ones.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if sess, ok := s.sessions.get(id); ok {
		s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
		return
	}

	record, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, registry.ErrSessionNotFound) {
			s.writeError(w, r, errors.NewNotFoundError("session "+id))
			return
		}
		s.writeError(w, r, errors.NewServiceDownError("session registry"))
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.localSession(w, r)
	if !ok {
		return
	}
	var req orientationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := req.orientation()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess.engine.OnViewportUpdate(o)
	angles := viewport.AnglesOf(o)
	logger.FromContext(logger.WithSessionID(r.Context(), sess.id)).
		WithFields(logrus.Fields{"yaw": angles.Yaw, "pitch": angles.Pitch}).
		Debug("Viewport updated")
	s.writeJSON(w, http.StatusAccepted, struct {
		Viewport viewport.Angles `json:"viewport"`
	}{Viewport: angles})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, (*engine.Engine).Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, (*engine.Engine).Resume)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(*engine.Engine) error) {
	sess, ok := s.localSession(w, r)
	if !ok {
		return
	}
	if err := op(sess.engine); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sessions.syncState(r.Context(), sess)
	logger.FromContext(logger.WithSessionID(r.Context(), sess.id)).
		WithField("state", sess.engine.State().String()).
		Info("Session state changed")
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.localSession(w, r)
	if !ok {
		return
	}
	var req playbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DurationMs <= 0 {
		s.writeError(w, r, errors.NewValidationError("duration_ms must be positive"))
		return
	}
	if err := sess.engine.ConsumePlayback(time.Duration(req.DurationMs) * time.Millisecond); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) localSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.get(id)
	if !ok {
		s.writeError(w, r, errors.NewNotFoundError("session "+id))
		return nil, false
	}
	return sess, true
}
