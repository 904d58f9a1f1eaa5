// ABOUTME: Domain types for conversational flows: Flow, Trigger, Step variants
// ABOUTME: Steps are a tagged variant (send_message, collect_input, branch) with validation

package flow

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies the messaging channel an inbound message arrived on.
type Channel string

// Supported channels.
const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelFacebook Channel = "facebook"
)

// StepKind discriminates the Step variant.
type StepKind string

// Step kinds. The engine handles these exhaustively; an unknown kind is
// rejected at validation time, never silently skipped at run time.
const (
	StepSendMessage  StepKind = "send_message"
	StepCollectInput StepKind = "collect_input"
	StepBranch       StepKind = "branch"
)

// InputKind describes what a collect_input step expects from the user.
type InputKind string

// Input kinds for collect_input steps.
const (
	InputText   InputKind = "text"   // any non-empty text
	InputNumber InputKind = "number" // parseable as a decimal number
	InputOption InputKind = "option" // one of Step.Options (case-insensitive)
)

// ErrInvalidFlow wraps all flow validation failures.
var ErrInvalidFlow = errors.New("invalid flow")

// Trigger activates a flow when its pattern occurs in the normalized
// message text. An empty Channel means the trigger applies on any channel.
type Trigger struct {
	Pattern string  `json:"pattern"`
	Channel Channel `json:"channel,omitempty"`
}

// BranchRule maps a collected value to a jump target step index.
type BranchRule struct {
	Equals string `json:"equals"`
	Target int    `json:"target"`
}

// Step is one unit of flow execution. Kind selects the variant; only the
// fields of that variant are meaningful:
//
//   - send_message: Message (template, {var} substitution from collected inputs)
//   - collect_input: Prompt, Variable, Expect, Options (for InputOption)
//   - branch: Variable, Branches, Default
type Step struct {
	Kind StepKind `json:"kind"`

	// send_message
	Message string `json:"message,omitempty"`

	// collect_input
	Prompt   string    `json:"prompt,omitempty"`
	Variable string    `json:"variable,omitempty"`
	Expect   InputKind `json:"expect,omitempty"`
	Options  []string  `json:"options,omitempty"`

	// branch (Variable shared with collect_input)
	Branches []BranchRule `json:"branches,omitempty"`
	Default  *int         `json:"default,omitempty"`
}

// Flow is a tenant's configured trigger → step-sequence script.
// Version is bumped by the store on every upsert; steps are immutable
// once published under a version.
type Flow struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Industry  string    `json:"industry"`
	Version   int       `json:"version"`
	Active    bool      `json:"active"`
	Triggers  []Trigger `json:"triggers"`
	Steps     []Step    `json:"steps"`
	Fallback  string    `json:"fallback"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants before a flow is persisted.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidFlow)
	}
	if f.TenantID == "" {
		return fmt.Errorf("%w: missing tenant_id", ErrInvalidFlow)
	}
	for i, trig := range f.Triggers {
		if trig.Pattern == "" {
			return fmt.Errorf("%w: trigger %d has empty pattern", ErrInvalidFlow, i)
		}
	}
	for i := range f.Steps {
		if err := f.Steps[i].validate(len(f.Steps)); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidFlow, i, err)
		}
	}
	return nil
}

// validate checks a single step variant. stepCount bounds branch targets.
func (st *Step) validate(stepCount int) error {
	switch st.Kind {
	case StepSendMessage:
		if st.Message == "" {
			return errors.New("send_message requires a message")
		}
	case StepCollectInput:
		if st.Prompt == "" {
			return errors.New("collect_input requires a prompt")
		}
		if st.Variable == "" {
			return errors.New("collect_input requires a variable name")
		}
		switch st.Expect {
		case InputText, InputNumber, "":
		case InputOption:
			if len(st.Options) == 0 {
				return errors.New("collect_input with expect=option requires options")
			}
		default:
			return fmt.Errorf("unknown input kind %q", st.Expect)
		}
	case StepBranch:
		if st.Variable == "" {
			return errors.New("branch requires a variable name")
		}
		for _, br := range st.Branches {
			if br.Target < 0 || br.Target >= stepCount {
				return fmt.Errorf("branch target %d out of range", br.Target)
			}
		}
		if st.Default != nil && (*st.Default < 0 || *st.Default >= stepCount) {
			return fmt.Errorf("default branch target %d out of range", *st.Default)
		}
	default:
		return fmt.Errorf("unknown step kind %q", st.Kind)
	}
	return nil
}
