// ABOUTME: ConversationService owns mode transitions and reply dispatch
// ABOUTME: Exactly one producer (AI or operator) is authoritative per conversation at any instant

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeetjeet26/oneclick-chat/internal/store"
)

// Service errors
var (
	// ErrConflict means a mode transition for this conversation is already in
	// flight, or the requested operation is not valid in the current mode.
	// Retryable by the caller after a short delay.
	ErrConflict = errors.New("conflicting operation in flight")

	// ErrGenerationFailed means the AI collaborator timed out, errored, or
	// returned an empty reply. The visitor message is stored regardless.
	ErrGenerationFailed = errors.New("reply generation failed")

	// ErrValidation means a required field is missing or malformed.
	ErrValidation = errors.New("invalid request")
)

// System marker texts appended on mode transitions
const (
	takeoverMarker = "An agent has joined the conversation"
	releaseMarker  = "Returned to automated assistant"
)

// defaultGenerationTimeout bounds the AI collaborator call when the config
// doesn't override it.
const defaultGenerationTimeout = 30 * time.Second

// Generator is the AI collaborator: an opaque, possibly slow, possibly
// failing call that produces an assistant reply from the ordered history.
type Generator interface {
	Generate(ctx context.Context, property *store.Property, history []*store.Message) (string, error)
}

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateMode(ctx context.Context, id string, mode store.Mode) error
	AppendMessage(ctx context.Context, msg *store.Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	GetSession(ctx context.Context, conversationID string) (*store.Session, error)
}

// PropertyDirectory resolves a property ID to display context. Failures here
// never block message persistence.
type PropertyDirectory interface {
	GetProperty(ctx context.Context, id string) (*store.Property, error)
}

// LeadDirectory optionally resolves a lead record. Absence is a normal state.
type LeadDirectory interface {
	GetLead(ctx context.Context, id string) (*store.Lead, error)
}

// Service is the conversation layer: it owns the mode state machine, the
// takeover coordinator, and reply dispatch. Each conversation is logically
// single-writer; operations on different conversations proceed in parallel.
type Service struct {
	store       ConversationStore
	generator   Generator
	properties  PropertyDirectory
	leads       LeadDirectory
	broadcaster *EventBroadcaster
	logger      *slog.Logger

	locks       *sessionLocks
	transitions *transitionGuard

	generationTimeout time.Duration
}

// New creates a new conversation Service
func New(st ConversationStore, generator Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:             st,
		generator:         generator,
		logger:            logger.With("component", "conversation"),
		locks:             newSessionLocks(),
		transitions:       newTransitionGuard(),
		generationTimeout: defaultGenerationTimeout,
	}
}

// SetDirectories wires the property and lead lookup collaborators.
func (s *Service) SetDirectories(properties PropertyDirectory, leads LeadDirectory) {
	s.properties = properties
	s.leads = leads
}

// SetBroadcaster wires the session event broadcaster.
func (s *Service) SetBroadcaster(b *EventBroadcaster) {
	s.broadcaster = b
}

// SetGenerationTimeout overrides the bound on the AI collaborator call.
func (s *Service) SetGenerationTimeout(d time.Duration) {
	if d > 0 {
		s.generationTimeout = d
	}
}

// PostMessageRequest is an inbound visitor message. ConversationID is empty
// for the first message of a new session; PropertyID is then required.
type PostMessageRequest struct {
	ConversationID string
	PropertyID     string
	LeadID         string
	Content        string
}

// PostMessageResult reports what happened to a visitor message.
type PostMessageResult struct {
	ConversationID string
	MessageID      string        // ID of the stored visitor message
	Mode           store.Mode    // mode observed when dispatching
	Reply          *store.Message // generated assistant reply, nil when waiting
	Waiting        bool          // true when a human operator owns replies
}

// TransitionResult reports the outcome of a takeover or release.
type TransitionResult struct {
	Mode    store.Mode
	Changed bool // false for idempotent no-op requests
}

// PostMessage stores a visitor message and dispatches a reply.
//
// The visitor message is appended immediately and is never blocked by mode —
// even if generation fails afterwards, the message is durably stored. When
// the conversation is ai_managed the AI collaborator is invoked under the
// conversation's scope; when human_managed the call returns Waiting and the
// operator console picks the message up from the session view.
func (s *Service) PostMessage(ctx context.Context, req *PostMessageRequest) (*PostMessageResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	conv, err := s.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	// 1. Record the visitor message first
	visitorMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleVisitor,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, visitorMsg); err != nil {
		return nil, fmt.Errorf("recording visitor message: %w", err)
	}
	s.publishMessage(conv.ID, visitorMsg)

	s.logger.Debug("visitor message recorded",
		"conversation_id", conv.ID,
		"message_id", visitorMsg.ID)

	// 2. Dispatch on the current mode
	if conv.Mode == store.ModeHumanManaged {
		return &PostMessageResult{
			ConversationID: conv.ID,
			MessageID:      visitorMsg.ID,
			Mode:           store.ModeHumanManaged,
			Waiting:        true,
		}, nil
	}

	reply, mode, err := s.generateReply(ctx, conv)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		// Mode flipped to human_managed before generation started
		return &PostMessageResult{
			ConversationID: conv.ID,
			MessageID:      visitorMsg.ID,
			Mode:           mode,
			Waiting:        true,
		}, nil
	}

	return &PostMessageResult{
		ConversationID: conv.ID,
		MessageID:      visitorMsg.ID,
		Mode:           mode,
		Reply:          reply,
	}, nil
}

// generateReply invokes the AI collaborator under the conversation's scope
// and appends the result. Returns (nil, mode, nil) if the conversation was
// already human_managed by the time the scope was acquired.
//
// The scope is held across the generation call so a takeover arriving
// mid-generation waits (bounded by the generation timeout) instead of letting
// an assistant reply land after the operator believes they own the session.
func (s *Service) generateReply(ctx context.Context, conv *store.Conversation) (*store.Message, store.Mode, error) {
	release := s.locks.Acquire(conv.ID)
	defer release()

	// Re-read under the lock: a takeover may have landed while we waited
	current, err := s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, "", fmt.Errorf("re-reading conversation: %w", err)
	}
	if current.Mode != store.ModeAIManaged {
		return nil, current.Mode, nil
	}

	history, err := s.store.GetMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, "", fmt.Errorf("loading history: %w", err)
	}

	property := s.lookupProperty(ctx, conv.PropertyID)

	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	started := time.Now()
	text, err := s.generator.Generate(genCtx, property, history)
	if err != nil {
		s.logger.Warn("generation failed",
			"conversation_id", conv.ID,
			"elapsed", time.Since(started),
			"error", err)
		return nil, "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}

	// The reply is committed: it was generated under ai_managed. If the mode
	// reads human_managed now, append anyway but tag it so the operator
	// console can flag "AI reply generated before handoff".
	modeAtAppend := store.ModeAIManaged
	if current, err := s.store.GetConversation(ctx, conv.ID); err == nil {
		modeAtAppend = current.Mode
	}

	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        text,
		PreTakeover:    modeAtAppend == store.ModeHumanManaged,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, reply); err != nil {
		return nil, "", fmt.Errorf("recording assistant reply: %w", err)
	}
	s.publishMessage(conv.ID, reply)

	s.logger.Debug("assistant reply recorded",
		"conversation_id", conv.ID,
		"message_id", reply.ID,
		"pre_takeover", reply.PreTakeover,
		"elapsed", time.Since(started))

	return reply, modeAtAppend, nil
}

// Takeover flips the conversation to human_managed on behalf of an operator.
func (s *Service) Takeover(ctx context.Context, conversationID, actor string) (*TransitionResult, error) {
	return s.transition(ctx, conversationID, store.ModeHumanManaged, actor)
}

// Release returns the conversation to the automated assistant.
func (s *Service) Release(ctx context.Context, conversationID, actor string) (*TransitionResult, error) {
	return s.transition(ctx, conversationID, store.ModeAIManaged, actor)
}

// transition serializes mode changes through the takeover coordinator:
// at most one transition in flight per conversation (a second attempt fails
// fast with ErrConflict), and the mode write plus system marker append happen
// atomically under the conversation's scope. Requesting the already-current
// mode is an idempotent no-op that emits no duplicate marker.
func (s *Service) transition(ctx context.Context, conversationID string, to store.Mode, actor string) (*TransitionResult, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	if !s.transitions.begin(conversationID) {
		return nil, fmt.Errorf("%w: transition already in flight", ErrConflict)
	}
	defer s.transitions.end(conversationID)

	// Waits for any in-flight generation holding the scope
	release := s.locks.Acquire(conversationID)
	defer release()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.Mode == to {
		s.logger.Debug("transition is a no-op",
			"conversation_id", conversationID,
			"mode", to)
		return &TransitionResult{Mode: to, Changed: false}, nil
	}

	if err := s.store.UpdateMode(ctx, conversationID, to); err != nil {
		return nil, fmt.Errorf("updating mode: %w", err)
	}

	marker := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           store.RoleSystem,
		Content:        s.markerText(ctx, conv.PropertyID, to),
		Actor:          actor,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, marker); err != nil {
		return nil, fmt.Errorf("recording transition marker: %w", err)
	}

	s.publishMode(conversationID, to)
	s.publishMessage(conversationID, marker)

	s.logger.Info("mode transition",
		"conversation_id", conversationID,
		"from", conv.Mode,
		"to", to,
		"actor", actor)

	return &TransitionResult{Mode: to, Changed: true}, nil
}

// OperatorReply appends an operator-authored assistant message. No AI
// invocation happens; the reply shares the assistant role with AI output and
// differs only by authorship context (the actor field). Sending a reply does
// not itself change mode.
func (s *Service) OperatorReply(ctx context.Context, conversationID, actor, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	release := s.locks.Acquire(conversationID)
	defer release()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Mode != store.ModeHumanManaged {
		return nil, fmt.Errorf("%w: conversation is not human managed", ErrConflict)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		Actor:          actor,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording operator reply: %w", err)
	}
	s.publishMessage(conversationID, msg)

	s.logger.Debug("operator reply recorded",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"actor", actor)

	return msg, nil
}

// Mode returns the conversation's current mode.
func (s *Service) Mode(ctx context.Context, conversationID string) (store.Mode, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.Mode, nil
}

// GetSession returns the consistent snapshot for reconnecting clients:
// current mode plus the full message history in ascending seq order.
func (s *Service) GetSession(ctx context.Context, conversationID string) (*store.Session, error) {
	return s.store.GetSession(ctx, conversationID)
}

// resolveConversation loads an existing conversation or creates a new one
// (always starting ai_managed) when the request carries no conversation ID.
func (s *Service) resolveConversation(ctx context.Context, req *PostMessageRequest) (*store.Conversation, error) {
	if req.ConversationID != "" {
		return s.store.GetConversation(ctx, req.ConversationID)
	}

	if req.PropertyID == "" {
		return nil, fmt.Errorf("%w: property_id is required for a new conversation", ErrValidation)
	}

	leadID := req.LeadID
	if leadID != "" && s.leads != nil {
		// Weak reference: an unknown lead is logged, not fatal
		if _, err := s.leads.GetLead(ctx, leadID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("lead lookup failed", "lead_id", leadID, "error", err)
			}
			leadID = ""
		}
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:         uuid.New().String(),
		PropertyID: req.PropertyID,
		Mode:       store.ModeAIManaged,
		LeadID:     leadID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"property_id", conv.PropertyID)
	return conv, nil
}

// lookupProperty resolves display context for prompts and marker text.
// Returns nil on any failure; directory trouble never blocks persistence.
func (s *Service) lookupProperty(ctx context.Context, propertyID string) *store.Property {
	if s.properties == nil {
		return nil
	}
	property, err := s.properties.GetProperty(ctx, propertyID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("property lookup failed", "property_id", propertyID, "error", err)
		}
		return nil
	}
	return property
}

// markerText builds the system message body for a transition, enriched with
// the property name when the directory can resolve it.
func (s *Service) markerText(ctx context.Context, propertyID string, to store.Mode) string {
	base := releaseMarker
	if to == store.ModeHumanManaged {
		base = takeoverMarker
	}
	if property := s.lookupProperty(ctx, propertyID); property != nil && to == store.ModeHumanManaged {
		return fmt.Sprintf("%s for %s", base, property.Name)
	}
	return base
}

func (s *Service) publishMessage(conversationID string, msg *store.Message) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(conversationID, &Event{
		Type:           EventMessage,
		ConversationID: conversationID,
		Message:        msg,
	})
}

func (s *Service) publishMode(conversationID string, mode store.Mode) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(conversationID, &Event{
		Type:           EventMode,
		ConversationID: conversationID,
		Mode:           mode,
	})
}
