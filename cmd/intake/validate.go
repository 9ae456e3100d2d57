package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/hooks"
	"github.com/rendis/intake/internal/sandbox"
	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			return validateDefinition(cmd.OutOrStdout(), def)
		},
	}
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.DecodeDefinition(data)
}

// offlineValidator checks definitions with every runtime the server would
// register, without opening a database.
func offlineValidator() (*validation.WorkflowValidator, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	scripts := sandbox.NewEngine(sandbox.NewLibrary(nil), nil,
		sandbox.NewJavaScriptRuntime(),
		sandbox.NewLuaRuntime(),
		sandbox.NewPythonRuntime(nil, "", isolationLimits(defaultConfig())),
	)
	return validation.NewWorkflowValidator(validation.Options{
		Languages: hooks.NewOrchestrator(scripts, exprEngine, jq, nil, nil),
		Rules:     cel,
		Transforms: map[schema.Language]expressions.TransformCompiler{
			schema.LangExpr: exprEngine,
			schema.LangJQ:   jq,
		},
	})
}

func validateDefinition(w io.Writer, def *schema.WorkflowDefinition) error {
	v, err := offlineValidator()
	if err != nil {
		return err
	}
	res := v.Validate(def)
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "  warning [%s] %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
	if !res.Valid() {
		for i, issue := range res.Errors {
			fmt.Fprintf(w, "  %d. [%s] %s: %s\n", i+1, issue.Code, issue.Path, issue.Message)
		}
		return fmt.Errorf("validation failed with %d error(s)", len(res.Errors))
	}
	fmt.Fprintf(w, "%s is valid (%d sections, %d hooks, %d effects)\n",
		def.ID, len(def.Sections), len(def.Hooks), len(def.Effects))
	return nil
}
