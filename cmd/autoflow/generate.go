package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/autoflow/app"
	"github.com/songzhibin97/autoflow/generator"
)

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a workflow from a natural-language prompt",
		Example: `  autoflow generate "email me when someone fills out my contact form"
  autoflow generate --format yaml "publish a blog post every monday"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()

			gen := app.NewGenerator(cfg.LLM, app.NewCompleter(cfg.LLM, logger), logger)
			res, err := gen.Generate(cmd.Context(), generator.Request{Prompt: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			if res.FallbackReason != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "model unavailable, used template %q: %s\n", res.Template, res.FallbackReason)
			}
			return write(cmd.OutOrStdout(), format, res.Workflow)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

// write renders v as indented JSON or as YAML with the JSON field names.
func write(w io.Writer, format string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
