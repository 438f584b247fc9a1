package workflows

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"testforge/backend/pkg/models"
)

//go:embed predefined.yaml
var predefinedYAML []byte

type definitionFile struct {
	Workflows []definitionDoc `yaml:"workflows"`
}

type definitionDoc struct {
	ID             string                  `yaml:"id"`
	Name           string                  `yaml:"name"`
	Description    string                  `yaml:"description"`
	Version        int                     `yaml:"version"`
	RequiredInputs []string                `yaml:"requiredInputs"`
	Steps          []models.StepDefinition `yaml:"steps"`
}

// Parse decodes a YAML document with a top-level "workflows" list.
func Parse(data []byte) ([]*models.WorkflowDefinition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definitions: %w", err)
	}
	defs := make([]*models.WorkflowDefinition, 0, len(f.Workflows))
	for _, d := range f.Workflows {
		version := d.Version
		if version == 0 {
			version = 1
		}
		defs = append(defs, &models.WorkflowDefinition{
			ID:             d.ID,
			Name:           d.Name,
			Description:    d.Description,
			Version:        version,
			RequiredInputs: d.RequiredInputs,
			Steps:          d.Steps,
		})
	}
	return defs, nil
}

// Predefined returns a fresh copy of the built-in workflows.
func Predefined() ([]*models.WorkflowDefinition, error) {
	defs, err := Parse(predefinedYAML)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		d.IsPredefined = true
		d.CreatedBy = "system"
	}
	return defs, nil
}
