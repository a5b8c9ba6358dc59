// Command soulmemory is a thin demonstration harness over the Lattice
// Memory Core: it exercises bootstrap, one Circulation cycle, and
// Capsule inspection from a terminal. There is no daemon, RPC, or
// channel-adapter surface here; callers embed the core directly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/bootstrap"
	"github.com/lmtlss/soulmemory/internal/capsule"
	"github.com/lmtlss/soulmemory/internal/circulation"
	"github.com/lmtlss/soulmemory/internal/config"
	"github.com/lmtlss/soulmemory/internal/identity"
	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/paths"
)

var flagStateDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "soulmemory",
		Short:         "Lattice memory core demonstration harness",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory (default: config-resolved)")

	rootCmd.AddCommand(newInitCmd(), newBootstrapCmd(), newIngestCmd(), newCapsuleCmd(), newWorldActionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfig() (config.Config, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return config.Config{}, err
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	return cfg, nil
}

func openStores(cfg config.Config) (*archive.Store, *lattice.Store, paths.Layout, error) {
	layout, err := paths.Resolve(cfg.StateDir)
	if err != nil {
		return nil, nil, paths.Layout{}, fmt.Errorf("resolve state dir: %w", err)
	}
	a, err := archive.Open(layout.Root)
	if err != nil {
		return nil, nil, paths.Layout{}, fmt.Errorf("open archive: %w", err)
	}
	l, err := lattice.Open(layout.Root)
	if err != nil {
		_ = a.Close()
		return nil, nil, paths.Layout{}, fmt.Errorf("open lattice: %w", err)
	}
	return a, l, layout, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default soulmemory.toml in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := config.Save(config.ConfigFileName, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.ConfigFileName)
			return nil
		},
	}
}

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run the SOUL_BIRTH flow if the lattice is sparse",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			a, l, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(); _ = l.Close() }()

			ctx := context.Background()
			sparse, err := bootstrap.IsSparse(ctx, l)
			if err != nil {
				return err
			}
			if !sparse {
				fmt.Fprintln(cmd.OutOrStdout(), "lattice is not sparse; nothing to bootstrap")
				return nil
			}
			result, err := bootstrap.BootstrapSoul(ctx, a, l, cfg.AgentName, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "born: identity=%s premise=%s birth_event=%s\n",
				result.IdentityNodeID, result.PremiseNodeID, result.BirthEventHash)
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	var peer, channel string
	cmd := &cobra.Command{
		Use:   "ingest [utterance]",
		Short: "Run one Circulation cycle for an utterance, printing the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			a, l, layout, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(); _ = l.Close() }()

			core := &circulation.Core{
				Archive:      a,
				Lattice:      l,
				AgentName:    cfg.AgentName,
				Role:         "assistant",
				CapsuleChars: cfg.CapsuleMaxChars,
			}

			invoke := func(prompt string) (string, error) {
				fmt.Fprintln(os.Stderr, "--- prompt sent to invoke_model ---")
				fmt.Fprintln(os.Stderr, prompt)
				fmt.Fprintln(os.Stderr, "--- paste the model's reply, end with a blank line ---")
				return readMultilineStdin()
			}

			result, err := core.Run(context.Background(), args[0], circulation.Context{
				AgentID: cfg.AgentName,
				Channel: channel,
				Peer:    peer,
			}, invoke)
			if err != nil {
				return err
			}
			if result.CompileErr != nil {
				fmt.Fprintln(os.Stderr, "proposal compilation error:", result.CompileErr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Reply)

			return writeCapsule(context.Background(), l, layout.CapsulePath, cfg.CapsuleMaxChars)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer label for the utterance")
	cmd.Flags().StringVar(&channel, "channel", "", "channel label for the utterance")
	return cmd
}

func newCapsuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capsule",
		Short: "Print the current Capsule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			_, l, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			rendered, err := capsule.Build(context.Background(), l, time.Now().UTC(), cfg.CapsuleMaxChars)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}

func newWorldActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "world-action [action]",
		Short: "Append an approved world_action event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			a, l, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(); _ = l.Close() }()

			now := time.Now().UTC()
			sessionKey := identity.NewSessionKey(cfg.AgentName, now)
			approvalID := archive.NewApprovalID()
			payload, err := json.Marshal(map[string]any{
				"action":     args[0],
				"approvalId": approvalID,
				"approved":   true,
			})
			if err != nil {
				return err
			}
			event, err := a.AppendEvent(context.Background(), nil, now, sessionKey, archive.TypeWorldAction,
				cfg.AgentName, nil, nil, nil, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved world_action %q: approvalId=%s event=%s\n",
				args[0], approvalID, event.EventHash)
			return nil
		},
	}
}

func writeCapsule(ctx context.Context, l *lattice.Store, path string, maxChars int) error {
	rendered, err := capsule.Build(ctx, l, time.Now().UTC(), maxChars)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(rendered), 0o644)
}

func readMultilineStdin() (string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}
