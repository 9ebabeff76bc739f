package flow

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"convoflow/internal/domain"

	"gopkg.in/yaml.v3"
)

// Document is the YAML form of a flow definition.
//
//	id: welcome
//	tenant: shop-1
//	name: Welcome sequence
//	trigger:
//	  on_first_message: true
//	steps:
//	  - type: text
//	    text: Hola
//	  - type: delay
//	    seconds: 2
//	  - type: image
//	    urls: [https://cdn.example.com/u1.png]
type Document struct {
	ID                   string            `yaml:"id"`
	Tenant               string            `yaml:"tenant"`
	Name                 string            `yaml:"name"`
	Active               *bool             `yaml:"active,omitempty"`
	DisableOnManualReply bool              `yaml:"disable_on_manual_reply,omitempty"`
	Trigger              TriggerDocument   `yaml:"trigger"`
	Steps                []domain.StepSpec `yaml:"steps"`
}

// TriggerDocument is the YAML form of domain.TriggerSpec.
type TriggerDocument struct {
	OnFirstMessage bool                      `yaml:"on_first_message,omitempty"`
	OnInactivity   *domain.InactivityTrigger `yaml:"on_inactivity,omitempty"`
}

// Parse decodes and validates one YAML flow document. Unknown fields are
// rejected so a typo never silently drops a step attribute.
func Parse(data []byte) (domain.FlowDefinition, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("%w: %v", domain.ErrInvalidFlow, err)
	}
	return doc.Definition()
}

// Definition converts the document into a validated flow definition.
func (d Document) Definition() (domain.FlowDefinition, error) {
	f := domain.FlowDefinition{
		ID:                   strings.TrimSpace(d.ID),
		TenantID:             strings.TrimSpace(d.Tenant),
		Name:                 d.Name,
		Active:               d.Active == nil || *d.Active,
		DisableOnManualReply: d.DisableOnManualReply,
		Trigger: domain.TriggerSpec{
			OnFirstMessage: d.Trigger.OnFirstMessage,
			OnInactivity:   d.Trigger.OnInactivity,
		},
	}
	for i, spec := range d.Steps {
		step, err := spec.Build()
		if err != nil {
			return domain.FlowDefinition{}, fmt.Errorf("flow %q step %d: %w", f.ID, i, err)
		}
		f.Steps = append(f.Steps, step)
	}
	if err := Validate(f); err != nil {
		return domain.FlowDefinition{}, err
	}
	return f, nil
}

// DocumentOf renders a definition back into its YAML document.
func DocumentOf(f domain.FlowDefinition) Document {
	active := f.Active
	doc := Document{
		ID:                   f.ID,
		Tenant:               f.TenantID,
		Name:                 f.Name,
		Active:               &active,
		DisableOnManualReply: f.DisableOnManualReply,
		Trigger: TriggerDocument{
			OnFirstMessage: f.Trigger.OnFirstMessage,
			OnInactivity:   f.Trigger.OnInactivity,
		},
	}
	for _, s := range f.Steps {
		doc.Steps = append(doc.Steps, domain.SpecOf(s))
	}
	return doc
}

// LoadFile reads one flow file.
func LoadFile(path string) (domain.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("read flow file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return domain.FlowDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	if f.ID == "" {
		return domain.FlowDefinition{}, fmt.Errorf("%s: %w: missing id", path, domain.ErrInvalidFlow)
	}
	return f, nil
}

// LoadDirectory loads every .yaml/.yml file in dir. Invalid files are skipped
// and reported together in the returned error; valid ones are still returned.
func LoadDirectory(dir string, logger *slog.Logger) ([]domain.FlowDefinition, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("flows directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flows dir: %w", err)
	}

	var flows []domain.FlowDefinition
	var errs []error
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		f, err := LoadFile(path)
		if err != nil {
			logger.Warn("cannot load flow file", "path", path, "err", err)
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[f.ID]; dup {
			err := fmt.Errorf("%s: %w: id %q already defined in %s", path, domain.ErrInvalidFlow, f.ID, prev)
			logger.Warn("duplicate flow id", "path", path, "id", f.ID)
			errs = append(errs, err)
			continue
		}
		seen[f.ID] = path

		logger.Info("loaded flow", "id", f.ID, "tenant", f.TenantID, "steps", len(f.Steps), "path", path)
		flows = append(flows, f)
	}

	return flows, errors.Join(errs...)
}
