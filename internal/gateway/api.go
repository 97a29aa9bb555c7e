// ABOUTME: HTTP API handlers for visitor messaging and the operator console
// ABOUTME: Maps conversation service errors onto JSON responses and status codes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeetjeet26/oneclick-chat/internal/auth"
	"github.com/jeetjeet26/oneclick-chat/internal/conversation"
	"github.com/jeetjeet26/oneclick-chat/internal/store"
)

// PostMessageRequest is the JSON request body for POST /api/messages.
type PostMessageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	PropertyID     string `json:"property_id,omitempty"`
	LeadID         string `json:"lead_id,omitempty"`
	Content        string `json:"content"`
}

// MessageResponse is the JSON shape of one stored message.
type MessageResponse struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Actor       string `json:"actor,omitempty"`
	PreTakeover bool   `json:"pre_takeover,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// PostMessageResponse is the JSON response for POST /api/messages.
type PostMessageResponse struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	Mode           string           `json:"mode"`
	Waiting        bool             `json:"waiting,omitempty"`
	Reply          *MessageResponse `json:"reply,omitempty"`
}

// ConversationResponse is the JSON shape of conversation metadata.
type ConversationResponse struct {
	ID         string `json:"id"`
	PropertyID string `json:"property_id"`
	LeadID     string `json:"lead_id,omitempty"`
	Mode       string `json:"mode"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// SessionResponse is the JSON response for GET /api/conversations/{id}/session.
type SessionResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageResponse    `json:"messages"`
}

// TransitionResponse is the JSON response for takeover and release.
type TransitionResponse struct {
	Mode    string `json:"mode"`
	Changed bool   `json:"changed"`
}

// OperatorReplyRequest is the JSON request body for POST /api/conversations/{id}/reply.
type OperatorReplyRequest struct {
	Content string `json:"content"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// handleMessages handles POST /api/messages from the visitor widget.
// The first message of a session carries property_id and no conversation_id;
// followups carry the conversation_id returned by the first call.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parsePostMessageRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.conversation.PostMessage(r.Context(), &conversation.PostMessageRequest{
		ConversationID: req.ConversationID,
		PropertyID:     req.PropertyID,
		LeadID:         req.LeadID,
		Content:        req.Content,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	response := PostMessageResponse{
		ConversationID: result.ConversationID,
		MessageID:      result.MessageID,
		Mode:           string(result.Mode),
		Waiting:        result.Waiting,
	}
	if result.Reply != nil {
		reply := messageToResponse(result.Reply)
		response.Reply = &reply
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// parsePostMessageRequest parses and validates a PostMessageRequest from the given reader.
func parsePostMessageRequest(r io.Reader) (*PostMessageRequest, error) {
	var req PostMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	return &req, nil
}

// handleListConversations handles GET /api/conversations?property_id=X.
// Operator console endpoint: requires auth.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	g.requireOperator(func(w http.ResponseWriter, r *http.Request) {
		propertyID := r.URL.Query().Get("property_id")
		if propertyID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "property_id query param required")
			return
		}

		// Parse optional limit parameter (default 50, max 500)
		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			parsed, err := strconv.Atoi(limitStr)
			if err != nil || parsed < 1 {
				g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}

		conversations, err := g.store.ListConversations(r.Context(), propertyID, limit)
		if err != nil {
			g.logger.Error("failed to list conversations", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		response := ListConversationsResponse{
			Conversations: make([]ConversationResponse, len(conversations)),
		}
		for i, conv := range conversations {
			response.Conversations[i] = conversationToResponse(conv)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})(w, r)
}

// handleConversationRoutes dispatches /api/conversations/{id}/{action}.
// session and events are open (the visitor widget uses them); takeover,
// release, and reply require an operator token.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	conversationID, action, ok := parseConversationPath(r.URL.Path)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	switch action {
	case "session":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleGetSession(w, r, conversationID)

	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleEvents(w, r, conversationID)

	case "takeover":
		switch r.Method {
		case http.MethodPost:
			g.requireOperator(func(w http.ResponseWriter, r *http.Request) {
				g.handleTakeover(w, r, conversationID)
			})(w, r)
		case http.MethodDelete:
			g.requireOperator(func(w http.ResponseWriter, r *http.Request) {
				g.handleRelease(w, r, conversationID)
			})(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case "reply":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.requireOperator(func(w http.ResponseWriter, r *http.Request) {
			g.handleOperatorReply(w, r, conversationID)
		})(w, r)

	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown action")
	}
}

// parseConversationPath extracts the conversation ID and action from a path
// of the form /api/conversations/{id}/{action}.
func parseConversationPath(path string) (conversationID, action string, ok bool) {
	const prefix = "/api/conversations/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}

	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// handleGetSession handles GET /api/conversations/{id}/session.
// Returns the mode and the full ordered history in one consistent read.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request, conversationID string) {
	session, err := g.conversation.GetSession(r.Context(), conversationID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	response := SessionResponse{
		Conversation: conversationToResponse(session.Conversation),
		Messages:     make([]MessageResponse, len(session.Messages)),
	}
	for i, msg := range session.Messages {
		response.Messages[i] = messageToResponse(msg)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleTakeover handles POST /api/conversations/{id}/takeover.
func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request, conversationID string) {
	op := auth.FromContext(r.Context())
	result, err := g.conversation.Takeover(r.Context(), conversationID, operatorActor(op))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TransitionResponse{
		Mode:    string(result.Mode),
		Changed: result.Changed,
	})
}

// handleRelease handles DELETE /api/conversations/{id}/takeover.
func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request, conversationID string) {
	op := auth.FromContext(r.Context())
	result, err := g.conversation.Release(r.Context(), conversationID, operatorActor(op))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TransitionResponse{
		Mode:    string(result.Mode),
		Changed: result.Changed,
	})
}

// handleOperatorReply handles POST /api/conversations/{id}/reply.
func (g *Gateway) handleOperatorReply(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req OperatorReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	op := auth.FromContext(r.Context())
	msg, err := g.conversation.OperatorReply(r.Context(), conversationID, operatorActor(op), req.Content)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	response := messageToResponse(msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// requireOperator wraps a handler with JWT auth for the operator console.
func (g *Gateway) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	wrapped := auth.RequireOperator(g.verifier)(next)
	return wrapped.ServeHTTP
}

// operatorActor derives the actor string recorded on messages authored by an
// operator. Prefers the display name from the token, falls back to the ID.
func operatorActor(op *auth.Operator) string {
	if op == nil {
		return ""
	}
	if op.Name != "" {
		return op.Name
	}
	return op.ID
}

// writeServiceError maps conversation service errors onto HTTP status codes.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrConflict):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrGenerationFailed):
		g.sendJSONError(w, http.StatusBadGateway, "assistant is temporarily unavailable")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// conversationToResponse converts stored conversation metadata to its JSON shape.
func conversationToResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:         conv.ID,
		PropertyID: conv.PropertyID,
		LeadID:     conv.LeadID,
		Mode:       string(conv.Mode),
		CreatedAt:  conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  conv.UpdatedAt.Format(time.RFC3339),
	}
}

// messageToResponse converts a stored message to its JSON shape.
func messageToResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:          msg.ID,
		Seq:         msg.Seq,
		Role:        msg.Role,
		Content:     msg.Content,
		Actor:       msg.Actor,
		PreTakeover: msg.PreTakeover,
		CreatedAt:   msg.CreatedAt.Format(time.RFC3339),
	}
}
