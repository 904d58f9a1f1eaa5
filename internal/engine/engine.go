// ABOUTME: Conversation state machine: creation, step execution, input collection, expiry
// ABOUTME: Per-key critical sections guarantee two racing messages never both advance a step

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
)

// State of a conversation. NEW has no stored representation: a key with
// no live conversation is NEW by definition.
type State string

// Conversation states.
const (
	StateExecuting     State = "executing"
	StateAwaitingInput State = "awaiting_input"
	StateEnded         State = "ended"
	StateExpired       State = "expired"
)

// maxStepsPerMessage bounds auto-advancing within one inbound message so
// a flow whose branches form a cycle cannot spin the engine.
const maxStepsPerMessage = 32

// ErrStaleFlow indicates the flow version a conversation was running no
// longer exists; the conversation has been ended and the caller should
// emit the tenant fallback.
var ErrStaleFlow = errors.New("flow version no longer exists")

// ErrRaced indicates the conversation changed shape between planning and
// the critical section twice in a row; the caller should emit the
// fallback rather than retry forever.
var ErrRaced = errors.New("conversation raced, giving up")

// Key identifies one end-user conversation.
type Key struct {
	TenantID string
	Channel  flow.Channel
	UserID   string
}

func (k Key) String() string {
	return k.TenantID + "/" + string(k.Channel) + "/" + k.UserID
}

// Conversation is the dialog state for one key. Instances stored in the
// arena are never mutated: transitions run on a private copy inside the
// key's critical section and finish publishes the copy back under e.mu,
// so arena readers and the key-lock holder never touch the same struct.
type Conversation struct {
	ID           string
	Key          Key
	FlowID       string
	FlowVersion  int
	StepIndex    int
	State        State
	Inputs       map[string]string
	StartedAt    time.Time
	LastActivity time.Time
}

// clone returns a deep copy detached from the arena.
func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Inputs = make(map[string]string, len(c.Inputs))
	for k, v := range c.Inputs {
		cp.Inputs[k] = v
	}
	return &cp
}

// VersionGetter is the slice of the flow store the engine needs.
type VersionGetter interface {
	GetFlowVersion(ctx context.Context, flowID string, version int) (*flow.Flow, error)
}

// MatchFunc is invoked when a key has no live conversation to select the
// flow the message should start. It runs before the key lock is taken.
type MatchFunc func(ctx context.Context) (*flow.Match, error)

// Result describes what one inbound message did to a conversation.
type Result struct {
	ConversationID string
	State          State
	StepIndex      int
	Replies        []string

	Started     bool // a new conversation was created
	InputStored bool // a collect step accepted input
	Completed   bool // the flow ran to its terminal step
	FellBack    bool // a fallback message was emitted

	FlowID   string
	Fallback string // the ended flow's own fallback when FellBack

	Inputs map[string]string // snapshot of collected inputs
}

// Config holds engine timing knobs.
type Config struct {
	// InactivityWindow moves a silent conversation to EXPIRED.
	InactivityWindow time.Duration
	// SweepInterval is how often the background sweep evicts expired
	// conversations. Zero disables the sweep (expiry is still applied
	// lazily on inbound messages).
	SweepInterval time.Duration
}

// Engine owns the conversation arena and applies state transitions.
type Engine struct {
	flows  VersionGetter
	cfg    Config
	logger *slog.Logger

	mu            sync.RWMutex
	conversations map[Key]*Conversation

	locks *keyedLocks

	done   chan struct{}
	closed sync.Once

	now func() time.Time
}

// New creates an Engine and starts its expiry sweep when configured.
// Pass nil logger for the default.
func New(flows VersionGetter, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		flows:         flows,
		cfg:           cfg,
		logger:        logger.With("component", "engine"),
		conversations: make(map[Key]*Conversation),
		locks:         newKeyedLocks(),
		done:          make(chan struct{}),
		now:           time.Now,
	}
	if cfg.SweepInterval > 0 {
		go e.sweep()
	}
	return e
}

// Close stops the background sweep. Safe to call multiple times.
func (e *Engine) Close() {
	e.closed.Do(func() { close(e.done) })
}

// Inbound feeds one end-user message into the state machine. When the
// key has no live conversation, match selects the flow to start and the
// triggering message itself is not treated as step input. The flow
// snapshot is fetched before the key lock so no I/O runs inside the
// critical section; if the conversation changed shape in between, the
// plan is rebuilt once before giving up with ErrRaced.
func (e *Engine) Inbound(ctx context.Context, key Key, text string, match MatchFunc) (*Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, retry, err := e.tryInbound(ctx, key, text, match)
		if retry {
			continue
		}
		return res, err
	}
	return nil, ErrRaced
}

// tryInbound performs one plan / lock / transition cycle. retry is true
// when the live conversation changed between planning and locking.
func (e *Engine) tryInbound(ctx context.Context, key Key, text string, match MatchFunc) (res *Result, retry bool, err error) {
	snap := e.liveSnapshot(key)

	// External lookups happen here, before the key lock.
	var fl *flow.Flow
	if snap == nil {
		m, err := match(ctx)
		if err != nil {
			return nil, false, err
		}
		fl = m.Flow
	} else {
		fl, err = e.flows.GetFlowVersion(ctx, snap.flowID, snap.flowVersion)
		if err != nil {
			return nil, false, e.endStale(ctx, key, snap, err)
		}
	}

	release, err := e.locks.acquire(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring conversation lock: %w", err)
	}
	defer release()

	conv := e.lookupLive(key)
	if snap == nil {
		if conv != nil {
			// Lost the creation race; replan as a resume.
			return nil, true, nil
		}
		conv = &Conversation{
			ID:           uuid.New().String(),
			Key:          key,
			FlowID:       fl.ID,
			FlowVersion:  fl.Version,
			State:        StateExecuting,
			Inputs:       make(map[string]string),
			StartedAt:    e.now(),
			LastActivity: e.now(),
		}

		result := &Result{ConversationID: conv.ID, Started: true, FlowID: fl.ID}
		e.runAuto(conv, fl, result)
		e.finish(key, conv, result)
		return result, false, nil
	}

	if conv == nil || conv.ID != snap.id || conv.FlowVersion != snap.flowVersion {
		// Conversation ended, expired, or was replaced while we fetched
		// the flow; replan from scratch.
		return nil, true, nil
	}

	result := &Result{ConversationID: conv.ID, FlowID: fl.ID}
	e.feedInput(conv, fl, text, result)
	e.finish(key, conv, result)
	return result, false, nil
}

// convSnapshot is the subset of conversation state read outside the lock
// to plan the flow fetch.
type convSnapshot struct {
	id          string
	flowID      string
	flowVersion int
}

// liveSnapshot returns planning data for the key's live conversation,
// applying lazy expiry. Nil means the key is NEW (or terminal).
func (e *Engine) liveSnapshot(key Key) *convSnapshot {
	conv := e.lookupLive(key)
	if conv == nil {
		return nil
	}
	return &convSnapshot{id: conv.ID, flowID: conv.FlowID, flowVersion: conv.FlowVersion}
}

// lookupLive returns a detached copy of the key's live conversation,
// evicting it first when the inactivity window has elapsed. The stored
// struct itself never leaves e.mu.
func (e *Engine) lookupLive(key Key) *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, ok := e.conversations[key]
	if !ok {
		return nil
	}
	if e.cfg.InactivityWindow > 0 && e.now().Sub(conv.LastActivity) > e.cfg.InactivityWindow {
		delete(e.conversations, key)
		e.logger.Debug("conversation expired", "conversation_id", conv.ID, "key", key.String())
		return nil
	}
	return conv.clone()
}

// endStale recovers a conversation whose flow version vanished: the
// conversation ends and the caller emits the tenant fallback.
func (e *Engine) endStale(ctx context.Context, key Key, snap *convSnapshot, cause error) error {
	release, err := e.locks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquiring conversation lock: %w", err)
	}
	defer release()

	e.mu.Lock()
	if conv, ok := e.conversations[key]; ok && conv.ID == snap.id {
		delete(e.conversations, key)
	}
	e.mu.Unlock()

	e.logger.Info("flow version vanished mid-conversation",
		"flow_id", snap.flowID,
		"flow_version", snap.flowVersion,
		"error", cause)
	return fmt.Errorf("%w: %s v%d", ErrStaleFlow, snap.flowID, snap.flowVersion)
}

// finish stamps activity and publishes the transitioned copy into the
// arena, or evicts the key when the conversation ended. This is the only
// place a non-terminal conversation enters the map, so everything the
// map holds is immutable until the next key-lock holder replaces it.
func (e *Engine) finish(key Key, conv *Conversation, res *Result) {
	conv.LastActivity = e.now()

	res.State = conv.State
	res.StepIndex = conv.StepIndex
	res.Inputs = make(map[string]string, len(conv.Inputs))
	for k, v := range conv.Inputs {
		res.Inputs[k] = v
	}

	e.mu.Lock()
	if conv.State == StateEnded {
		delete(e.conversations, key)
	} else {
		e.conversations[key] = conv
	}
	e.mu.Unlock()
}

// feedInput handles an inbound message for an existing conversation.
func (e *Engine) feedInput(conv *Conversation, fl *flow.Flow, text string, res *Result) {
	if conv.State != StateAwaitingInput {
		// EXECUTING between messages only occurs transiently inside a
		// critical section, so an inbound here means the flow stalled on
		// a malformed step; resume auto-advancing.
		e.runAuto(conv, fl, res)
		return
	}

	st := fl.Steps[conv.StepIndex]
	value, ok := validateInput(st, text)
	if !ok {
		// Re-emit the same prompt, unchanged: one retry prompt per
		// inbound message, no engine-enforced retry limit.
		res.Replies = append(res.Replies, renderTemplate(st.Prompt, conv.Inputs, e.logger, fl.ID))
		return
	}

	conv.Inputs[st.Variable] = value
	conv.StepIndex++
	conv.State = StateExecuting
	res.InputStored = true
	e.runAuto(conv, fl, res)
}

// runAuto advances through steps until the flow asks for input, ends, or
// the per-message step budget runs out.
func (e *Engine) runAuto(conv *Conversation, fl *flow.Flow, res *Result) {
	for steps := 0; conv.State == StateExecuting; steps++ {
		if conv.StepIndex >= len(fl.Steps) {
			conv.State = StateEnded
			res.Completed = true
			return
		}
		if steps >= maxStepsPerMessage {
			e.logger.Warn("step budget exhausted, ending conversation",
				"flow_id", fl.ID,
				"conversation_id", conv.ID)
			e.fallbackEnd(conv, fl, res)
			return
		}

		st := fl.Steps[conv.StepIndex]
		switch st.Kind {
		case flow.StepSendMessage:
			res.Replies = append(res.Replies, renderTemplate(st.Message, conv.Inputs, e.logger, fl.ID))
			conv.StepIndex++

		case flow.StepCollectInput:
			res.Replies = append(res.Replies, renderTemplate(st.Prompt, conv.Inputs, e.logger, fl.ID))
			conv.State = StateAwaitingInput
			return

		case flow.StepBranch:
			target, ok := evalBranch(st, conv.Inputs)
			if !ok {
				e.fallbackEnd(conv, fl, res)
				return
			}
			conv.StepIndex = target

		default:
			// Validate rejects unknown kinds at publish time; hitting one
			// here means a corrupted snapshot. Recover, don't crash.
			e.logger.Error("unknown step kind in published flow",
				"flow_id", fl.ID,
				"kind", string(st.Kind))
			e.fallbackEnd(conv, fl, res)
			return
		}
	}
}

// fallbackEnd terminates the conversation with the flow's own fallback.
func (e *Engine) fallbackEnd(conv *Conversation, fl *flow.Flow, res *Result) {
	fallback := fl.Fallback
	if fallback == "" {
		fallback = flow.GenericFallback
	}
	res.Replies = append(res.Replies, fallback)
	res.FellBack = true
	res.Fallback = fallback
	conv.State = StateEnded
}

// evalBranch resolves a branch step against collected inputs: conditions
// in declaration order, then the default target.
func evalBranch(st flow.Step, inputs map[string]string) (int, bool) {
	value := flow.Normalize(inputs[st.Variable])
	for _, br := range st.Branches {
		if flow.Normalize(br.Equals) == value {
			return br.Target, true
		}
	}
	if st.Default != nil {
		return *st.Default, true
	}
	return 0, false
}

// validateInput checks text against a collect step's expectation and
// returns the value to store.
func validateInput(st flow.Step, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	switch st.Expect {
	case flow.InputNumber:
		if _, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", "."), 64); err != nil {
			return "", false
		}
		return trimmed, true
	case flow.InputOption:
		for _, opt := range st.Options {
			if flow.Normalize(opt) == flow.Normalize(trimmed) {
				return opt, true
			}
		}
		return "", false
	default: // InputText and unset
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	}
}

// sweep periodically evicts expired conversations and their idle locks.
func (e *Engine) sweep() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runSweep()
		case <-e.done:
			return
		}
	}
}

// runSweep applies the inactivity window across the whole arena.
func (e *Engine) runSweep() {
	if e.cfg.InactivityWindow <= 0 {
		return
	}
	now := e.now()

	e.mu.Lock()
	var evicted []Key
	for key, conv := range e.conversations {
		if now.Sub(conv.LastActivity) > e.cfg.InactivityWindow {
			delete(e.conversations, key)
			evicted = append(evicted, key)
		}
	}
	e.mu.Unlock()

	for _, key := range evicted {
		e.locks.drop(key)
	}
	if len(evicted) > 0 {
		e.logger.Debug("swept expired conversations", "count", len(evicted))
	}
}

// ActiveConversations reports the live conversation count (for metrics).
func (e *Engine) ActiveConversations() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conversations)
}

// Snapshot returns a copy of the live conversation for a key, or nil.
// Intended for dashboards and tests; the copy is detached from the arena.
func (e *Engine) Snapshot(key Key) *Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conv, ok := e.conversations[key]
	if !ok {
		return nil
	}
	return conv.clone()
}
