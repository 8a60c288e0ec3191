package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
)

type runOptions struct {
	tenant       string
	user         string
	role         string
	capabilities []string
	input        string
	stream       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Execute one command in-process and print the orchestration result",
		Example: `  orchestrator run "process invoice and pay" --tenant acme --input '{"amount": 1250}'
  orchestrator run "" --cap bank_sync --tenant acme --stream`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.Request{Command: args[0], Priority: domain.PriorityNormal}
			for _, c := range opts.capabilities {
				req.Capabilities = append(req.Capabilities, domain.Capability(c))
			}
			if opts.input != "" {
				if err := json.Unmarshal([]byte(opts.input), &req.Input); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
			}
			tc := domain.TenantContext{TenantID: opts.tenant, UserID: opts.user, Role: domain.Role(opts.role)}

			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			var obs orchestrator.Observer
			if opts.stream {
				obs = func(e orchestrator.Event) { printJSON(out, e) }
			}
			res, err := a.orch.ExecuteWithEvents(cmd.Context(), req, tc, obs)
			if err != nil {
				return err
			}
			if !opts.stream {
				printJSON(out, res)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.tenant, "tenant", "local", "Tenant ID")
	cmd.Flags().StringVar(&opts.user, "user", "cli", "User ID")
	cmd.Flags().StringVar(&opts.role, "role", string(domain.RoleAccountant), "Caller role")
	cmd.Flags().StringSliceVar(&opts.capabilities, "cap", nil, "Route by capability instead of decomposing the command (repeatable)")
	cmd.Flags().StringVar(&opts.input, "input", "", "Task input as a JSON object")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Print execution events as JSON lines")
	return cmd
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
