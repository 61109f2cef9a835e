package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/autoflow/workflow"
)

var errCheckFailed = errors.New("workflow has issues")

func newCheckCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Statically analyze a workflow file (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readWorkflow(args[0])
			if err != nil {
				return err
			}
			report := workflow.Check(data)
			if err := write(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("%w: %d issue(s)", errCheckFailed, len(report.Issues))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

// readWorkflow returns the file as JSON, converting YAML documents.
func readWorkflow(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return json.Marshal(doc)
	default:
		return data, nil
	}
}
