// cortex is the request→routing→response→memory engine CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/core"
	"cortex/internal/logging"
)

const version = "0.1.0"

var (
	flagBrainDir string
	flagConfig   string
	flagVerbose  bool
	flagDeadline int

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "cortex - conversational memory and routing engine",
	Long: `cortex turns raw requests into structured responses backed by a
four-tier memory: a datalog rule base that protects the system, working
memory for conversations, a learned pattern graph, and a development
context cache. Every response carries the mandatory five-section
structure; every handled request feeds the learning pipeline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine; explicit config errors are not.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagBrainDir != "" {
			cfg.BrainDir = flagBrainDir
		}
		if flagDeadline > 0 {
			cfg.RequestDeadlineMS = flagDeadline
		}

		level := cfg.Logging.Level
		if flagVerbose {
			level = "debug"
		}
		return logging.Initialize(logging.Options{
			Level:   level,
			Console: cfg.Logging.Console,
			File:    cfg.Logging.File,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatLoop()
	},
}

var runCmd = &cobra.Command{
	Use:   "run \"text\"",
	Short: "Handle one request and print the response",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := core.Open(cfg)
		if err != nil {
			return err
		}
		defer state.Close()

		envelope := state.ProcessRequest(cmd.Context(), strings.Join(args, " "), "")
		fmt.Println(envelope.Text)
		if envelope.Blocked {
			fmt.Fprintf(os.Stderr, "blocked by %s\n", envelope.BlockedBy)
		}
		for _, warning := range envelope.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive loop; type exit to quit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatLoop()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print tier statistics and the telemetry snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := core.Open(cfg)
		if err != nil {
			return err
		}
		defer state.Close()

		envelope := state.ProcessRequest(cmd.Context(), "status", "")
		fmt.Println(envelope.Text)
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the decay and consolidation maintenance pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := core.Open(cfg)
		if err != nil {
			return err
		}
		defer state.Close()

		report, err := state.Maintain(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("events processed: %d\nreinforced: %d\nlearned: %d\ndecay changes: %d\nmerges: %d\n",
			report.Processed, report.Reinforced, report.Learned, report.DecayChanges, report.Merges)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cortex %s\n", version)
	},
}

// chatLoop reads requests from stdin until exit or interrupt. One
// session hint spans the loop so the exchange lands in one
// conversation, and session completion wakes the learning pipeline.
func chatLoop() error {
	state, err := core.Open(cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("cortex %s - type 'exit' to quit\n", version)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}
		envelope := state.ProcessRequest(ctx, line, "cli-session")
		fmt.Println(envelope.Text)
		if envelope.Blocked {
			fmt.Printf("(blocked by %s)\n", envelope.BlockedBy)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err := state.EndSession(context.Background()); err != nil {
		logging.Get(logging.CategoryBoot).Warn("session close event failed: %v", err)
	}
	return scanner.Err()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagBrainDir, "brain-dir", "", "override the brain directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().IntVar(&flagDeadline, "deadline", 0, "per-request deadline in milliseconds")

	rootCmd.AddCommand(runCmd, chatCmd, statsCmd, maintainCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
