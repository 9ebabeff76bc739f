package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RepeatCooldownFloor is the minimum spacing between two sends of a repeating
// inactivity flow to the same customer, whatever the configured threshold.
const RepeatCooldownFloor = 24 * time.Hour

// MaxDelayStep bounds a single delay step.
const MaxDelayStep = 30 * 24 * time.Hour

// StepKind names a step variant.
type StepKind string

const (
	StepText       StepKind = "text"
	StepImage      StepKind = "image"
	StepVideo      StepKind = "video"
	StepAudio      StepKind = "audio"
	StepFile       StepKind = "file"
	StepDelay      StepKind = "delay"
	StepAIFunction StepKind = "ai_function"
)

// IsMedia reports whether the kind carries media URLs.
func (k StepKind) IsMedia() bool {
	switch k {
	case StepImage, StepVideo, StepAudio, StepFile:
		return true
	}
	return false
}

// Step is one element of a flow. The set of implementations is closed.
type Step interface {
	Kind() StepKind
	isStep()
}

// TextStep sends a plain text message.
type TextStep struct {
	Text string
}

// MediaStep sends one message per URL; the caption goes on the first one.
type MediaStep struct {
	Media   StepKind
	URLs    []string
	Caption string
}

// DelayStep pauses the execution before the next step.
type DelayStep struct {
	Duration time.Duration
}

// AIFunctionStep asks the generator for messages using a free-text instruction.
type AIFunctionStep struct {
	Instruction string
}

func (TextStep) Kind() StepKind       { return StepText }
func (s MediaStep) Kind() StepKind    { return s.Media }
func (DelayStep) Kind() StepKind      { return StepDelay }
func (AIFunctionStep) Kind() StepKind { return StepAIFunction }

func (TextStep) isStep()       {}
func (MediaStep) isStep()      {}
func (DelayStep) isStep()      {}
func (AIFunctionStep) isStep() {}

// StepSpec is the serialized form of a Step, shared by the JSON snapshot
// stored with each execution and the YAML flow files.
type StepSpec struct {
	Type        string   `json:"type" yaml:"type"`
	Text        string   `json:"text,omitempty" yaml:"text,omitempty"`
	URLs        []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Caption     string   `json:"caption,omitempty" yaml:"caption,omitempty"`
	Seconds     int      `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	Instruction string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
}

// Build converts the spec into its variant, rejecting fields that do not
// belong to the declared type.
func (s StepSpec) Build() (Step, error) {
	kind := StepKind(strings.ToLower(strings.TrimSpace(s.Type)))
	switch {
	case kind == StepText:
		if strings.TrimSpace(s.Text) == "" {
			return nil, fmt.Errorf("%w: text step requires text", ErrInvalidFlow)
		}
		if len(s.URLs) > 0 || s.Seconds != 0 || s.Instruction != "" || s.Caption != "" {
			return nil, fmt.Errorf("%w: text step only accepts text", ErrInvalidFlow)
		}
		return TextStep{Text: s.Text}, nil

	case kind.IsMedia():
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("%w: %s step requires at least one url", ErrInvalidFlow, kind)
		}
		for i, u := range s.URLs {
			if strings.TrimSpace(u) == "" {
				return nil, fmt.Errorf("%w: %s step url %d is empty", ErrInvalidFlow, kind, i)
			}
		}
		if s.Text != "" || s.Seconds != 0 || s.Instruction != "" {
			return nil, fmt.Errorf("%w: %s step only accepts urls and caption", ErrInvalidFlow, kind)
		}
		urls := make([]string, len(s.URLs))
		copy(urls, s.URLs)
		return MediaStep{Media: kind, URLs: urls, Caption: s.Caption}, nil

	case kind == StepDelay:
		d := time.Duration(s.Seconds) * time.Second
		if s.Seconds <= 0 || d > MaxDelayStep {
			return nil, fmt.Errorf("%w: delay seconds must be in (0, %d]", ErrInvalidFlow, int(MaxDelayStep/time.Second))
		}
		if s.Text != "" || len(s.URLs) > 0 || s.Instruction != "" || s.Caption != "" {
			return nil, fmt.Errorf("%w: delay step only accepts seconds", ErrInvalidFlow)
		}
		return DelayStep{Duration: d}, nil

	case kind == StepAIFunction:
		if strings.TrimSpace(s.Instruction) == "" {
			return nil, fmt.Errorf("%w: ai_function step requires instruction", ErrInvalidFlow)
		}
		if s.Text != "" || len(s.URLs) > 0 || s.Seconds != 0 || s.Caption != "" {
			return nil, fmt.Errorf("%w: ai_function step only accepts instruction", ErrInvalidFlow)
		}
		return AIFunctionStep{Instruction: s.Instruction}, nil
	}
	return nil, fmt.Errorf("%w: unknown step type %q", ErrInvalidFlow, s.Type)
}

// SpecOf is the inverse of StepSpec.Build.
func SpecOf(step Step) StepSpec {
	switch s := step.(type) {
	case TextStep:
		return StepSpec{Type: string(StepText), Text: s.Text}
	case MediaStep:
		return StepSpec{Type: string(s.Media), URLs: s.URLs, Caption: s.Caption}
	case DelayStep:
		return StepSpec{Type: string(StepDelay), Seconds: int(s.Duration / time.Second)}
	case AIFunctionStep:
		return StepSpec{Type: string(StepAIFunction), Instruction: s.Instruction}
	}
	return StepSpec{}
}

// EncodeSteps serializes a step list for storage.
func EncodeSteps(steps []Step) ([]byte, error) {
	specs := make([]StepSpec, len(steps))
	for i, s := range steps {
		specs[i] = SpecOf(s)
	}
	return json.Marshal(specs)
}

// DecodeSteps parses a stored step list.
func DecodeSteps(data []byte) ([]Step, error) {
	var specs []StepSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	steps := make([]Step, 0, len(specs))
	for i, spec := range specs {
		step, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// InactivityTrigger fires when a customer has been silent for ThresholdHours.
type InactivityTrigger struct {
	ThresholdHours int  `json:"threshold_hours" yaml:"threshold_hours"`
	Repeat         bool `json:"repeat" yaml:"repeat"`
}

// Threshold is the silence window as a duration.
func (t InactivityTrigger) Threshold() time.Duration {
	return time.Duration(t.ThresholdHours) * time.Hour
}

// Cooldown is the minimum spacing between repeated sends.
func (t InactivityTrigger) Cooldown() time.Duration {
	if th := t.Threshold(); th > RepeatCooldownFloor {
		return th
	}
	return RepeatCooldownFloor
}

// TriggerSpec lists the conditions that start a flow. A nil OnInactivity means
// the inactivity trigger is disabled.
type TriggerSpec struct {
	OnFirstMessage bool               `json:"on_first_message"`
	OnInactivity   *InactivityTrigger `json:"on_inactivity,omitempty"`
}

// TriggerKind names the trigger that enqueued an execution.
type TriggerKind string

const (
	TriggerFirstMessage TriggerKind = "first_message"
	TriggerInactivity   TriggerKind = "inactivity"
)

// FlowDefinition is an author-controlled automated message sequence.
type FlowDefinition struct {
	ID                   string      `json:"id"`
	TenantID             string      `json:"tenant_id"`
	Name                 string      `json:"name"`
	Active               bool        `json:"active"`
	DisableOnManualReply bool        `json:"disable_on_manual_reply"`
	Version              int         `json:"version"`
	Trigger              TriggerSpec `json:"trigger"`
	Steps                []Step      `json:"-"`
	UpdatedAt            time.Time   `json:"updated_at"`
}
