package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/pkg/schema"
)

func newRunCmd() *cobra.Command {
	var (
		answersPath string
		mode        string
		dbPath      string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow locally, answering each section from a file",
		Long: "Publishes the workflow into a scratch database (or --db), creates a run and\n" +
			"submits each visible section with the answers listed under its ID in the\n" +
			"answers file. Prints one JSON line per step and the final snapshot.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			answers, err := readAnswers(answersPath)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath == "" {
				dir, err := os.MkdirTemp("", "intake-run-*")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				dbPath = filepath.Join(dir, "run.db")
			}
			cfg.DBPath = dbPath

			logger, _ := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			_, err = runLocal(cmd.Context(), a.coord, def, answers, schema.Mode(mode), cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVarP(&answersPath, "answers", "a", "", "YAML or JSON file mapping section IDs to answers")
	cmd.Flags().StringVar(&mode, "mode", string(schema.ModePreview), "dispatch mode: preview or live")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default: a scratch database)")
	return cmd
}

// readAnswers loads section answers. An empty path means no answers.
func readAnswers(path string) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse answers: %w", err)
	}
	// Normalize through JSON so numbers match API submissions.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("answers are not representable as json: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("answers must map section IDs to objects: %w", err)
	}
	return out, nil
}

type runStep struct {
	Section    string                `json:"section"`
	Next       string                `json:"next,omitempty"`
	Progress   int                   `json:"progress"`
	HookErrors []*schema.IntakeError `json:"hook_errors,omitempty"`
	Effects    any                   `json:"effects,omitempty"`
	Console    any                   `json:"console,omitempty"`
}

// runLocal publishes def, then starts a run and submits every section it
// lands on until the run completes.
func runLocal(ctx context.Context, coord *engine.Coordinator, def *schema.WorkflowDefinition, answers map[string]map[string]any, mode schema.Mode, w io.Writer) (schema.Snapshot, error) {
	enc := json.NewEncoder(w)

	v, err := coord.Publish(ctx, def, "cli")
	if err != nil {
		return schema.Snapshot{}, err
	}
	run, err := coord.CreateRun(ctx, engine.CreateRunParams{
		VersionID: v.ID,
		Mode:      mode,
		Creator:   schema.Creator{Kind: schema.CreatorUser, ID: "cli"},
	})
	if err != nil {
		return schema.Snapshot{}, err
	}
	res, err := coord.StartRun(ctx, run.ID)
	if err != nil {
		return schema.Snapshot{}, err
	}

	// Every submission advances or completes the run, so the loop is bounded
	// by the section count.
	for range len(def.Sections) + 1 {
		if res.Snapshot.Completed {
			break
		}
		section := res.NextSectionID
		res, err = coord.SubmitSection(ctx, run.ID, section, answers[section])
		if err != nil {
			return schema.Snapshot{}, fmt.Errorf("section %s: %w", section, err)
		}
		_ = enc.Encode(runStep{
			Section:    section,
			Next:       res.NextSectionID,
			Progress:   res.Snapshot.Progress,
			HookErrors: res.HookErrors,
			Effects:    res.Effects,
			Console:    res.Console,
		})
	}
	if !res.Snapshot.Completed {
		return res.Snapshot, fmt.Errorf("run %s did not complete", run.ID)
	}
	_ = enc.Encode(res.Snapshot)
	return res.Snapshot, nil
}
