package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"framesched/internal/app"
	"framesched/internal/config"
	"framesched/internal/journal"
	logx "framesched/pkg/logx"
)

const version = "0.3.0"

var flagConfig string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "framesched",
		Short:        "Frame-synchronized task scheduler",
		Long:         "framesched drives a frame loop and runs staged, prioritized, delayed and repeating tasks on it.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.yaml", "path to config (json or yaml)")
	root.AddCommand(newRunCmd(), newCheckConfigCmd(), newJournalCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var ov app.Overrides
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the frame loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(flagConfig, ov)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().Uint64Var(&ov.MaxFrames, "frames", 0, "stop after this many frames (0 = run until interrupted)")
	cmd.Flags().IntVar(&ov.TargetFPS, "fps", 0, "override frame.target_fps (-1 = unpaced)")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective frame settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(flagConfig).Load()
			if err != nil {
				return fmt.Errorf("%s: %w", flagConfig, err)
			}
			fs, _ := cfg.Frame.Settings()
			specs, _ := cfg.Triggers.Specs()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", flagConfig)
			fmt.Fprintf(out, "  target_fps: %d\n", fs.TargetFPS)
			fmt.Fprintf(out, "  max_delta:  %v\n", fs.MaxDelta)
			fmt.Fprintf(out, "  slow_task:  %v\n", fs.SlowTask)
			fmt.Fprintf(out, "  triggers:   %d enabled\n", len(specs))
			for _, sp := range specs {
				fmt.Fprintf(out, "    - %s %q on %s (%s)\n", sp.Name, sp.Schedule, sp.Stages, sp.Action)
			}
			return nil
		},
	}
}

func newJournalCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the most recent journal entries as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(flagConfig).Load()
			if err != nil {
				return err
			}
			if cfg.Journal == nil {
				return fmt.Errorf("journal is not configured in %s", flagConfig)
			}
			busy, _ := config.ParseDurationField("journal.busy_timeout", cfg.Journal.BusyTimeout)
			st, err := journal.Open(journal.Config{
				Driver:      cfg.Journal.Driver,
				Path:        cfg.Journal.Path,
				BusyTimeout: busy,
			}, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("journal is disabled in %s", flagConfig)
			}
			defer st.Close()

			entries, err := st.Recent(context.Background(), n)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 50, "number of entries")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "framesched", version)
		},
	}
}
