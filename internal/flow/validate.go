package flow

import (
	"fmt"

	"convoflow/internal/domain"
)

// MaxSteps bounds the length of a flow.
const MaxSteps = 50

// Validate checks a decoded flow definition. Step-level checks already ran
// when each step was built; this covers the flow as a whole.
func Validate(f domain.FlowDefinition) error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", domain.ErrInvalidFlow)
	}
	if f.TenantID == "" {
		return fmt.Errorf("%w: flow %q has no tenant", domain.ErrInvalidFlow, f.ID)
	}
	if !f.Trigger.OnFirstMessage && f.Trigger.OnInactivity == nil {
		return fmt.Errorf("%w: flow %q has no trigger", domain.ErrInvalidFlow, f.ID)
	}
	// A zero threshold fires on the first sweep after any message.
	if in := f.Trigger.OnInactivity; in != nil && in.ThresholdHours < 0 {
		return fmt.Errorf("%w: flow %q inactivity threshold is negative", domain.ErrInvalidFlow, f.ID)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: flow %q has no steps", domain.ErrInvalidFlow, f.ID)
	}
	if len(f.Steps) > MaxSteps {
		return fmt.Errorf("%w: flow %q has %d steps, max %d", domain.ErrInvalidFlow, f.ID, len(f.Steps), MaxSteps)
	}

	content := 0
	for i, s := range f.Steps {
		if s == nil {
			return fmt.Errorf("%w: flow %q step %d is empty", domain.ErrInvalidFlow, f.ID, i)
		}
		if s.Kind() != domain.StepDelay {
			content++
		}
	}
	if content == 0 {
		return fmt.Errorf("%w: flow %q only waits", domain.ErrInvalidFlow, f.ID)
	}
	if f.Steps[len(f.Steps)-1].Kind() == domain.StepDelay {
		return fmt.Errorf("%w: flow %q ends with a delay", domain.ErrInvalidFlow, f.ID)
	}
	return nil
}
