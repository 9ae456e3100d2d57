package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/intake/pkg/schema"
)

func newSchemaCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of workflow definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := schema.GenerateJSONSchema()
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}
