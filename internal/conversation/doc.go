// Package conversation implements the handoff protocol between the automated
// leasing assistant and human operators.
//
// # Modes
//
// Every conversation is in exactly one of two modes:
//
//   - ai_managed (initial): the AI collaborator answers visitor messages
//   - human_managed: a human operator has taken over and authors replies
//
// The mode is the single source of truth for who may produce the next
// assistant-role message. There is no third state; conversations cycle
// between the two indefinitely.
//
// # Takeover coordination
//
// Each conversation has a mutual-exclusion scope (sessionLocks). Mode
// transitions and AI-generation-and-append both acquire it, so writes to one
// conversation are serialized while different conversations proceed fully in
// parallel. Two additional rules shape contention:
//
//   - A transition arriving while another transition is pending fails fast
//     with ErrConflict (transitionGuard) — rapid double-clicks don't queue.
//   - A transition arriving while AI generation holds the scope waits,
//     bounded by the generation timeout. The generated reply is appended
//     under the mode current when generation started; if the mode flipped
//     mid-flight the reply is tagged PreTakeover for the operator console.
//
// # Dispatch
//
// PostMessage appends the visitor message unconditionally, then either
// invokes the Generator (ai_managed) or returns Waiting (human_managed).
// Generation failure surfaces ErrGenerationFailed and never removes the
// stored visitor message or changes the mode, so an operator can always
// step in.
//
// Operator replies and AI replies share the assistant role; authorship is
// carried in the actor field, set only for operator and system messages.
//
// # Session view
//
// GetSession returns mode plus the full ordered history in one consistent
// read. Clients treat it as the only ordering authority and never reorder
// locally. The EventBroadcaster pushes incremental updates (appended
// messages, mode changes) to connected clients between snapshots.
package conversation
