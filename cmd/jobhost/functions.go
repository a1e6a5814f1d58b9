package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func functionsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "functions",
		Short:   "List indexed functions",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			defer h.Stop(context.Background())

			fns := h.Functions()
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(fns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTRIGGER\tPARAMETERS")
			for _, fn := range fns {
				trigger := fn.Trigger
				if trigger == "" {
					trigger = "-"
				}
				var params []string
				for _, p := range fn.Parameters {
					params = append(params, p.Name+":"+p.Kind)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", fn.Name, trigger, truncate(strings.Join(params, ", "), 80))
			}
			w.Flush()

			for _, err := range h.IndexErrors() {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")
	return cmd
}

func callCmd() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "call <function>",
		Short: "Run a function once with invoke strings for its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			defer h.Stop(context.Background())

			inst, err := h.Call(cmd.Context(), args[0], values)
			if inst != nil {
				fmt.Printf("Instance:  %s\n", inst.ID)
				fmt.Printf("Duration:  %dms\n", inst.Duration().Milliseconds())
				names := make([]string, 0, len(inst.Arguments))
				for name := range inst.Arguments {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("  %s = %s\n", name, truncate(inst.Arguments[name], 100))
				}
				for name, status := range inst.ParameterLogs {
					fmt.Printf("  %s: %s\n", name, status)
				}
				if inst.ConsoleOutput != "" {
					fmt.Printf("Output:\n%s\n", inst.ConsoleOutput)
				}
			}
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter value as name=value (repeatable)")
	return cmd
}

func parseParams(params []string) (map[string]string, error) {
	values := make(map[string]string, len(params))
	for _, p := range params {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.Newf("invalid parameter %q: expected name=value", p)
		}
		values[name] = value
	}
	return values, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
