package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"spacerelay/internal/auth"
	"spacerelay/internal/call"
	"spacerelay/internal/config"
	"spacerelay/internal/event"
	"spacerelay/internal/relay/redisbus"
)

type api struct {
	cfg        *config.Config
	authorizer *auth.Authorizer
	publisher  *redisbus.Publisher
	calls      *call.Manager
	members    *auth.RedisMembershipStore
	log        *zap.Logger
}

// identify validates the caller's identity token; writes 401 and returns
// false on failure.
func (a *api) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := auth.ExtractTokenFromRequest(r)
	ident, err := auth.ValidateToken([]byte(a.cfg.JWTSecret), token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return ident, true
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *api) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// handleAuth is the single authorization endpoint: connection id plus topic
// name in, signed grant or uniform rejection out.
func (a *api) handleAuth(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identify(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectionID string `json:"connectionId"`
		TopicName    string `json:"topicName"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if req.ConnectionID == "" || req.TopicName == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	grant, err := a.authorizer.Authorize(r.Context(), ident, req.ConnectionID, req.TopicName)
	if err != nil {
		// Uniform: no distinction between missing entity and denial.
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	a.respond(w, http.StatusOK, grant)
}

// handlePublish is the origin-service ingestion path, guarded by the shared
// service token.
func (a *api) handlePublish(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ServiceToken == "" || r.Header.Get("X-Service-Token") != a.cfg.ServiceToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var env event.Envelope
	if !a.decode(w, r, &env) {
		return
	}
	if err := a.publisher.Publish(r.Context(), &env); err != nil {
		a.log.Error("service publish failed", zap.String("event", env.Event), zap.Error(err))
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	a.respond(w, http.StatusAccepted, map[string]string{"id": env.ID})
}

func (a *api) handleJoinSpace(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identify(w, r)
	if !ok {
		return
	}
	var req struct {
		SpaceID string `json:"spaceId"`
	}
	if !a.decode(w, r, &req) || req.SpaceID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Role is assigned server-side; a client-supplied role is never
	// trusted.
	role := "member"
	if _, err := a.members.Role(r.Context(), req.SpaceID, ident.UserID); err == nil {
		a.respond(w, http.StatusOK, map[string]string{"spaceId": req.SpaceID})
		return
	}
	if err := a.members.SetRole(r.Context(), req.SpaceID, ident.UserID, role); err != nil {
		a.log.Error("join space failed", zap.String("space", req.SpaceID), zap.Error(err))
		http.Error(w, "join failed", http.StatusBadGateway)
		return
	}
	a.respond(w, http.StatusOK, map[string]string{"spaceId": req.SpaceID, "role": role})
}

func (a *api) handleLeaveSpace(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identify(w, r)
	if !ok {
		return
	}
	var req struct {
		SpaceID string `json:"spaceId"`
	}
	if !a.decode(w, r, &req) || req.SpaceID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := a.members.RemoveMember(r.Context(), req.SpaceID, ident.UserID); err != nil {
		a.log.Error("leave space failed", zap.String("space", req.SpaceID), zap.Error(err))
		http.Error(w, "leave failed", http.StatusBadGateway)
		return
	}
	a.respond(w, http.StatusOK, nil)
}

func (a *api) handleCallStart(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identify(w, r)
	if !ok {
		return
	}
	var req struct {
		SpaceID      string   `json:"spaceId"`
		CallType     string   `json:"callType"`
		Participants []string `json:"participants"`
	}
	if !a.decode(w, r, &req) || req.SpaceID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if _, err := a.members.Role(r.Context(), req.SpaceID, ident.UserID); err != nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	callType := call.TypeAudio
	if req.CallType == string(call.TypeVideo) {
		callType = call.TypeVideo
	}
	c, err := a.calls.Start(r.Context(), req.SpaceID, ident.UserID, callType, req.Participants)
	if err != nil {
		http.Error(w, "call start failed", http.StatusBadGateway)
		return
	}
	a.respond(w, http.StatusCreated, map[string]string{"callId": c.ID})
}

func (a *api) handleCallAccept(w http.ResponseWriter, r *http.Request) {
	a.callAction(w, r, a.calls.Accept)
}

func (a *api) handleCallEnd(w http.ResponseWriter, r *http.Request) {
	a.callAction(w, r, a.calls.End)
}

func (a *api) handleCallLeave(w http.ResponseWriter, r *http.Request) {
	a.callAction(w, r, a.calls.Leave)
}

func (a *api) handleCallSignal(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identify(w, r)
	if !ok {
		return
	}
	var req struct {
		CallID     string `json:"callId"`
		ToUserID   string `json:"toUserId"`
		SignalType string `json:"signalType"`
		SignalData string `json:"signalData"`
	}
	if !a.decode(w, r, &req) || req.CallID == "" || req.ToUserID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	err := a.calls.Signal(r.Context(), req.CallID, event.SignalPayload{
		FromUserID: ident.UserID,
		ToUserID:   req.ToUserID,
		SignalType: req.SignalType,
		SignalData: req.SignalData,
	})
	a.finishCallAction(w, err)
}

// callAction handles the accept/end/leave endpoints, which all share the
// {callId} request shape.
func (a *api) callAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, callID, userID string) error,
) {
	ident, ok := a.identify(w, r)
	if !ok {
		return
	}
	var req struct {
		CallID string `json:"callId"`
	}
	if !a.decode(w, r, &req) || req.CallID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.finishCallAction(w, action(r.Context(), req.CallID, ident.UserID))
}

func (a *api) finishCallAction(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		a.respond(w, http.StatusOK, nil)
	case errors.Is(err, call.ErrUnknownCall):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, call.ErrNotInvited):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		http.Error(w, "call action failed", http.StatusBadGateway)
	}
}
