// ABOUTME: Tests for the conversation Service
// ABOUTME: Verifies dispatch by mode, takeover/release serialization, and session views

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeetjeet26/oneclick-chat/internal/store"
)

// mockGenerator implements Generator for testing
type mockGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	lastLen int // history length seen on the last call

	// onGenerate, when set, runs while the conversation scope is held —
	// used to simulate work (or interference) mid-generation
	onGenerate func(ctx context.Context)
}

func (m *mockGenerator) Generate(ctx context.Context, property *store.Property, history []*store.Message) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lastLen = len(history)
	hook := m.onGenerate
	reply, err := m.reply, m.err
	m.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return reply, err
}

func (m *mockGenerator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestService(t *testing.T, gen Generator) (*Service, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := New(s, gen, nil)
	svc.SetDirectories(s, s)
	return svc, s
}

func seedProperty(t *testing.T, s *store.SQLiteStore, id, name string) {
	t.Helper()
	require.NoError(t, s.CreateProperty(context.Background(), &store.Property{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
	}))
}

func roles(messages []*store.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Role
	}
	return out
}

// Scenario A: new conversation, AI-managed, generation succeeds.
func TestService_PostMessage_AIManagedGeneratesReply(t *testing.T) {
	gen := &mockGenerator{reply: "Yes, we allow dogs up to 50 lbs."}
	svc, _ := newTestService(t, gen)

	ctx := context.Background()
	result, err := svc.PostMessage(ctx, &PostMessageRequest{
		PropertyID: "prop-1",
		Content:    "Do you allow dogs?",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Equal(t, store.ModeAIManaged, result.Mode)
	assert.False(t, result.Waiting)
	assert.Equal(t, "Yes, we allow dogs up to 50 lbs.", result.Reply.Content)
	assert.False(t, result.Reply.PreTakeover)

	session, err := svc.GetSession(ctx, result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{store.RoleVisitor, store.RoleAssistant}, roles(session.Messages))
}

func TestService_PostMessage_GeneratorSeesVisitorMessageInHistory(t *testing.T) {
	gen := &mockGenerator{reply: "Hello!"}
	svc, _ := newTestService(t, gen)

	result, err := svc.PostMessage(context.Background(), &PostMessageRequest{
		PropertyID: "prop-1",
		Content:    "Hi",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Equal(t, 1, gen.lastLen, "history should contain the stored visitor message")
}

func TestService_PostMessage_RequiresContent(t *testing.T) {
	svc, _ := newTestService(t, &mockGenerator{reply: "x"})

	_, err := svc.PostMessage(context.Background(), &PostMessageRequest{
		PropertyID: "prop-1",
		Content:    "   ",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_PostMessage_RequiresPropertyForNewConversation(t *testing.T) {
	svc, _ := newTestService(t, &mockGenerator{reply: "x"})

	_, err := svc.PostMessage(context.Background(), &PostMessageRequest{
		Content: "Hello",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_PostMessage_UnknownConversation(t *testing.T) {
	svc, _ := newTestService(t, &mockGenerator{reply: "x"})

	_, err := svc.PostMessage(context.Background(), &PostMessageRequest{
		ConversationID: "missing",
		Content:        "Hello",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_PostMessage_GenerationFailureKeepsVisitorMessage(t *testing.T) {
	gen := &mockGenerator{err: errors.New("upstream timeout")}
	svc, s := newTestService(t, gen)

	ctx := context.Background()

	// Create the conversation with a successful first exchange
	gen.mu.Lock()
	gen.err = nil
	gen.reply = "Welcome!"
	gen.mu.Unlock()
	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	gen.mu.Lock()
	gen.err = errors.New("upstream timeout")
	gen.mu.Unlock()

	_, err = svc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: first.ConversationID,
		Content:        "Is parking included?",
	})
	require.ErrorIs(t, err, ErrGenerationFailed)

	// Visitor message durably stored, mode unchanged, no synthetic reply
	session, err := s.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeAIManaged, session.Conversation.Mode)
	assert.Equal(t,
		[]string{store.RoleVisitor, store.RoleAssistant, store.RoleVisitor},
		roles(session.Messages))
	assert.Equal(t, "Is parking included?", session.Messages[2].Content)
}

func TestService_PostMessage_EmptyReplyIsGenerationFailure(t *testing.T) {
	gen := &mockGenerator{reply: "   "}
	svc, _ := newTestService(t, gen)

	_, err := svc.PostMessage(context.Background(), &PostMessageRequest{
		PropertyID: "prop-1",
		Content:    "Hello",
	})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

// Scenario B: takeover suppresses generation for subsequent visitor messages.
func TestService_Takeover_SuppressesGeneration(t *testing.T) {
	gen := &mockGenerator{reply: "Automated answer"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	result, err := svc.Takeover(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)
	assert.Equal(t, store.ModeHumanManaged, result.Mode)
	assert.True(t, result.Changed)

	callsBefore := gen.callCount()
	post, err := svc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: first.ConversationID,
		Content:        "Anyone there?",
	})
	require.NoError(t, err)
	assert.True(t, post.Waiting)
	assert.Nil(t, post.Reply)
	assert.Equal(t, store.ModeHumanManaged, post.Mode)
	assert.Equal(t, callsBefore, gen.callCount(), "no generation while human managed")

	session, err := svc.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{store.RoleVisitor, store.RoleAssistant, store.RoleSystem, store.RoleVisitor},
		roles(session.Messages))
	assert.Equal(t, "operator-7", session.Messages[2].Actor)
}

func TestService_Takeover_MarkerIncludesPropertyName(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, s := newTestService(t, gen)
	ctx := context.Background()

	seedProperty(t, s, "prop-1", "Willow Creek Apartments")

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	_, err = svc.Takeover(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)

	session, err := svc.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	marker := session.Messages[len(session.Messages)-1]
	assert.Equal(t, store.RoleSystem, marker.Role)
	assert.Contains(t, marker.Content, "Willow Creek Apartments")
}

// Scenario C: operator reply keeps mode, uses assistant role with actor set.
func TestService_OperatorReply(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)
	_, err = svc.Takeover(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)

	msg, err := svc.OperatorReply(ctx, first.ConversationID, "operator-7", "Happy to help personally!")
	require.NoError(t, err)
	assert.Equal(t, store.RoleAssistant, msg.Role)
	assert.Equal(t, "operator-7", msg.Actor)

	mode, err := svc.Mode(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeHumanManaged, mode, "replying does not change mode")
}

func TestService_OperatorReply_RejectedWhileAIManaged(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	_, err = svc.OperatorReply(ctx, first.ConversationID, "operator-7", "Hello")
	assert.ErrorIs(t, err, ErrConflict)
}

// Scenario D: release returns control to the AI.
func TestService_Release_ResumesGeneration(t *testing.T) {
	gen := &mockGenerator{reply: "Automated answer"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)
	_, err = svc.Takeover(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)

	result, err := svc.Release(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)
	assert.Equal(t, store.ModeAIManaged, result.Mode)
	assert.True(t, result.Changed)

	post, err := svc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: first.ConversationID,
		Content:        "What about cats?",
	})
	require.NoError(t, err)
	require.NotNil(t, post.Reply)

	session, err := svc.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	// visitor, assistant, system (takeover), system (release), visitor, assistant
	assert.Equal(t,
		[]string{store.RoleVisitor, store.RoleAssistant, store.RoleSystem,
			store.RoleSystem, store.RoleVisitor, store.RoleAssistant},
		roles(session.Messages))
}

func TestService_Transition_Idempotent(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	r1, err := svc.Takeover(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)
	assert.True(t, r1.Changed)

	r2, err := svc.Takeover(ctx, first.ConversationID, "operator-7")
	require.NoError(t, err)
	assert.False(t, r2.Changed, "second takeover is a no-op")
	assert.Equal(t, store.ModeHumanManaged, r2.Mode)

	session, err := svc.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	systemCount := 0
	for _, m := range session.Messages {
		if m.Role == store.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount, "no duplicate marker from repeated clicks")
}

func TestService_Transition_UnknownConversation(t *testing.T) {
	svc, _ := newTestService(t, &mockGenerator{reply: "x"})

	_, err := svc.Takeover(context.Background(), "missing", "operator-7")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_Transition_RequiresActor(t *testing.T) {
	svc, _ := newTestService(t, &mockGenerator{reply: "x"})

	_, err := svc.Takeover(context.Background(), "conv-1", "")
	assert.ErrorIs(t, err, ErrValidation)
}

// Scenario E: near-simultaneous takeovers — exactly one effective change.
func TestService_Transition_ConcurrentTakeovers(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	const attempts = 8
	results := make([]*TransitionResult, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Takeover(ctx, first.ConversationID, "operator-7")
		}(i)
	}
	wg.Wait()

	changed := 0
	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrConflict)
			continue
		}
		if results[i].Changed {
			changed++
		}
		assert.Equal(t, store.ModeHumanManaged, results[i].Mode)
	}
	assert.Equal(t, 1, changed, "exactly one takeover takes effect")

	session, err := svc.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeHumanManaged, session.Conversation.Mode)
	systemCount := 0
	for _, m := range session.Messages {
		if m.Role == store.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
}

// A takeover arriving while generation holds the scope waits for the reply
// to be appended before flipping the mode.
func TestService_Takeover_WaitsForInFlightGeneration(t *testing.T) {
	gen := &mockGenerator{reply: "Slow answer"}
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	generationStarted := make(chan struct{})
	finishGeneration := make(chan struct{})
	gen.mu.Lock()
	gen.onGenerate = func(ctx context.Context) {
		close(generationStarted)
		<-finishGeneration
	}
	gen.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.PostMessage(ctx, &PostMessageRequest{
			ConversationID: first.ConversationID,
			Content:        "Still there?",
		})
		assert.NoError(t, err)
	}()

	<-generationStarted

	var takeoverResult *TransitionResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		takeoverResult, err = svc.Takeover(ctx, first.ConversationID, "operator-7")
		assert.NoError(t, err)
	}()

	// Give the takeover time to block on the conversation scope
	time.Sleep(50 * time.Millisecond)
	close(finishGeneration)
	wg.Wait()

	require.NotNil(t, takeoverResult)
	assert.True(t, takeoverResult.Changed)

	// The assistant reply precedes the takeover marker in the log
	session, err := svc.GetSession(ctx, first.ConversationID)
	require.NoError(t, err)
	msgs := session.Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, store.RoleSystem, msgs[len(msgs)-1].Role)
	assert.Equal(t, store.RoleAssistant, msgs[len(msgs)-2].Role)
	assert.False(t, msgs[len(msgs)-2].PreTakeover)
}

// If the mode flips under the scope holder's feet (e.g. a direct store
// write), the committed reply is still appended but tagged for the console.
func TestService_GenerateReply_TagsPreTakeover(t *testing.T) {
	gen := &mockGenerator{reply: "Answer from before the handoff"}
	svc, s := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, &PostMessageRequest{PropertyID: "prop-1", Content: "Hi"})
	require.NoError(t, err)

	gen.mu.Lock()
	gen.onGenerate = func(ctx context.Context) {
		// Simulate a takeover landing mid-generation
		_ = s.UpdateMode(ctx, first.ConversationID, store.ModeHumanManaged)
	}
	gen.mu.Unlock()

	result, err := svc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: first.ConversationID,
		Content:        "One more question",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.True(t, result.Reply.PreTakeover)
	assert.Equal(t, store.ModeHumanManaged, result.Mode)
}

func TestService_PostMessage_AttachesKnownLead(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, s := newTestService(t, gen)
	ctx := context.Background()

	seedProperty(t, s, "prop-1", "Willow Creek Apartments")
	require.NoError(t, s.CreateLead(ctx, &store.Lead{
		ID:         "lead-1",
		PropertyID: "prop-1",
		Name:       "Jordan Rivera",
		CreatedAt:  time.Now(),
	}))

	result, err := svc.PostMessage(ctx, &PostMessageRequest{
		PropertyID: "prop-1",
		LeadID:     "lead-1",
		Content:    "Hi",
	})
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "lead-1", conv.LeadID)
}

func TestService_PostMessage_UnknownLeadIsNotAnError(t *testing.T) {
	gen := &mockGenerator{reply: "Hi"}
	svc, s := newTestService(t, gen)
	ctx := context.Background()

	result, err := svc.PostMessage(ctx, &PostMessageRequest{
		PropertyID: "prop-1",
		LeadID:     "missing-lead",
		Content:    "Hi",
	})
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, result.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, conv.LeadID, "unknown lead reference is dropped, not fatal")
}
