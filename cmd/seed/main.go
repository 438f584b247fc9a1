package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/config"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/repository"
	"testforge/backend/internal/services"
	"testforge/backend/internal/workflows"
)

// sampleWorkflows are seeded when no --file is given.
const sampleWorkflows = `
workflows:
  - name: Spec To Unit Tests
    description: Generate test cases from a specification and turn them into unit tests.
    requiredInputs: [specification]
    steps:
      - id: cases
        type: agent
        agent: test-case-generator
        operation: generate
        input:
          specification: ${input.specification}
      - id: unit
        type: agent
        agent: unit-test-generator
        operation: generate
        dependsOn: [cases]
        input:
          testCases: ${steps.cases.testCases}

  - name: Analyze Then Script
    description: Analyze a change and generate an end-to-end script for the affected flow.
    requiredInputs: [code, specification]
    steps:
      - id: review
        type: agent
        agent: code-quality-analyzer
        operation: analyze
        input:
          code: ${input.code}
      - id: cases
        type: agent
        agent: test-case-generator
        operation: generate
        input:
          specification: ${input.specification}
      - id: script
        type: agent
        agent: script-generator
        operation: generate
        dependsOn: [review, cases]
        input:
          testCases: ${steps.cases.testCases}
          findings: ${steps.review}
`

func main() {
	var configPath, file string

	rootCmd := &cobra.Command{
		Use:          "testforge-seed",
		Short:        "Seed custom workflows into the configured store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			data := []byte(sampleWorkflows)
			if file != "" {
				if data, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
			}
			return seed(cmd.Context(), cfg, data)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a top-level workflows list (default: built-in samples)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, data []byte) error {
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	defs, err := workflows.Parse(data)
	if err != nil {
		return err
	}

	repo, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer repo.Close()

	catalog, err := services.NewCatalog(agents.DefaultRegistry(), repo, logger)
	if err != nil {
		return err
	}

	// Check for existing workflows to prevent duplicates
	existing, err := catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list existing workflows: %w", err)
	}
	existingNames := make(map[string]bool, len(existing.Custom))
	for _, w := range existing.Custom {
		existingNames[w.Name] = true
	}

	seeded := 0
	for _, def := range defs {
		if existingNames[def.Name] {
			logger.Info("Skipping existing workflow", "name", def.Name)
			continue
		}
		created, err := catalog.Create(ctx, def, "seed-script")
		if err != nil {
			logger.Error("Failed to create workflow", "name", def.Name, "error", err)
			continue
		}
		seeded++
		logger.Info("Seeded workflow", "name", created.Name, "id", created.ID)
	}
	logger.Info("Seeding complete", "seeded", seeded, "total", len(defs))
	return nil
}
