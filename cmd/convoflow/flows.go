package main

import (
	"context"
	"fmt"
	"os"

	"convoflow/internal/domain"
	"convoflow/internal/flow"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Load, validate and inspect automated flows",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "load [path]",
		Short: "Load a flow file or every .yaml file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := readFlows(args[0])
			if err != nil {
				return err
			}
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := flow.NewCatalog(s, logger).Load(context.Background(), flows)
			if err != nil {
				return err
			}
			for _, r := range results {
				logger.Info("flow stored", "id", r.ID, "version", r.Version, "changed", r.Changed)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Check flow files without storing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := readFlows(args[0])
			if err != nil {
				return err
			}
			failed := 0
			for _, f := range flows {
				if err := flow.Validate(f); err != nil {
					printFail(f.ID, err.Error())
					failed++
					continue
				}
				printPass(f.ID, fmt.Sprintf("%d steps", len(f.Steps)))
			}
			if failed > 0 {
				return fmt.Errorf("%d flow(s) invalid", failed)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			flows, err := flow.NewCatalog(s, logger).All(context.Background())
			if err != nil {
				return err
			}
			for _, f := range flows {
				state := "inactive"
				if f.Active {
					state = "active"
				}
				fmt.Printf("%-24s v%-3d %-9s %-14s %d steps\n", f.ID, f.Version, state, triggerLabel(f.Trigger), len(f.Steps))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [id]",
		Short: "Print a stored flow as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			f, err := flow.NewCatalog(s, logger).Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(flow.DocumentOf(*f))
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	for _, active := range []bool{true, false} {
		use, short := "activate [id]", "Activate a flow"
		if !active {
			use, short = "deactivate [id]", "Deactivate a flow; running executions halt at their next step"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, s, err := openStore()
				if err != nil {
					return err
				}
				defer s.Close()
				return flow.NewCatalog(s, logger).SetActive(context.Background(), args[0], active)
			},
		})
	}

	return cmd
}

// readFlows loads one file or a whole directory.
func readFlows(path string) ([]domain.FlowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return flow.LoadDirectory(path, logger)
	}
	f, err := flow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.FlowDefinition{f}, nil
}

func triggerLabel(t domain.TriggerSpec) string {
	switch {
	case t.OnFirstMessage && t.OnInactivity != nil:
		return "first+inactive"
	case t.OnFirstMessage:
		return "first_message"
	case t.OnInactivity != nil:
		return "inactivity"
	}
	return "none"
}
