// Package main is the entry point for the loadspec CLI. loadspec turns
// free-form descriptions of load tests (natural language, curl commands,
// raw HTTP, JSON mixed with prose) into validated load-test specifications.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/loadspec/internal/config"
	"github.com/normanking/loadspec/internal/llm"
	"github.com/normanking/loadspec/internal/logging"
	"github.com/normanking/loadspec/internal/parser"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	log     zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loadspec",
		Short: "loadspec - turn plain-text descriptions into load-test specs",
		Long: `loadspec parses free-form text into a validated load-test specification.

Accepted inputs include natural language ("spike test with 1000 requests
in 10 seconds to GET /api/users"), curl commands, raw HTTP requests, and
JSON payloads mixed with prose.

Parse a description:   loadspec parse "GET https://api.example.com/users"
From stdin:            echo "..." | loadspec parse
Check the backend:     loadspec providers`,
		PersistentPreRunE: initLogging,
		RunE:              runParse,
		Args:              cobra.ArbitraryArgs,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.loadspec/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loadspec v%s\n", version)
		},
	})

	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log = logging.Setup(level, cfg.Logging.File)
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PARSE COMMAND
// ─────────────────────────────────────────────────────────────────────────────

func parseCmd() *cobra.Command {
	var fallbackOnly bool

	cmd := &cobra.Command{
		Use:   "parse [description]",
		Short: "Parse a load-test description into a spec",
		Long: `Parse a load-test description into a validated specification.

Examples:
  loadspec parse "GET https://api.example.com/users"
  loadspec parse "stress test with 500 users for 5 minutes"
  cat request.txt | loadspec parse`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return parseAndPrint(args, fallbackOnly)
		},
	}
	cmd.Flags().BoolVar(&fallbackOnly, "fallback-only", false, "skip the AI backend and use the deterministic parser")
	return cmd
}

func runParse(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	return parseAndPrint(args, false)
}

func parseAndPrint(args []string, fallbackOnly bool) error {
	input, err := readInput(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var provider llm.Provider
	if !fallbackOnly {
		provider, err = llm.NewProvider(&cfg.Backend, log)
		if err != nil {
			return err
		}
		initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := provider.Initialize(initCtx); err != nil {
			log.Warn().Err(err).Msg("backend initialization failed; continuing with fallback parsing")
			provider = nil
		}
		cancel()
	}

	p := parser.New(cfg, provider, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := p.Parse(ctx, input)
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}

	if snap, ok := p.Metrics(); ok {
		log.Debug().
			Int64("backend_calls", snap.TotalCalls).
			Int64("backend_errors", snap.TotalErrors).
			Dur("avg_latency", snap.AvgLatency).
			Msg("backend call statistics")
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// readInput joins args or, with no args, reads stdin.
func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PROVIDERS COMMAND
// ─────────────────────────────────────────────────────────────────────────────

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show configured backends and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("Configured Backends:")
			fmt.Println("────────────────────")
			for name, pc := range cfg.Backend.Providers {
				marker := " "
				if name == cfg.Backend.DefaultProvider {
					marker = "*"
				}
				endpoint := pc.Endpoint
				if endpoint == "" {
					endpoint = "(hosted)"
				}
				fmt.Printf("%s %-10s model=%s endpoint=%s\n", marker, name, pc.Model, endpoint)
			}

			provider, err := llm.NewProvider(&cfg.Backend, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			fmt.Printf("\nDefault backend: %s\n", provider.Name())
			if provider.HealthCheck(ctx) {
				fmt.Println("Health:          reachable")
			} else {
				fmt.Println("Health:          unreachable")
			}
			return nil
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// CONFIG COMMANDS
// ─────────────────────────────────────────────────────────────────────────────

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Println("loadspec Configuration:")
			fmt.Println("───────────────────────")
			fmt.Printf("Default Provider:  %s\n", cfg.Backend.DefaultProvider)
			fmt.Printf("Pool Size:         %d\n", cfg.Backend.PoolSize)
			fmt.Printf("Max Retries:       %d\n", cfg.Backend.MaxRetries)
			fmt.Printf("Timeout:           %ds\n", cfg.Backend.TimeoutSec)
			fmt.Printf("Max Input Length:  %d\n", cfg.Parsing.MaxInputLength)
			fmt.Printf("Correction Rounds: %d\n", cfg.Parsing.MaxCorrectionRounds)
			fmt.Printf("Log Level:         %s\n", cfg.Logging.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			fmt.Println(home + "/.loadspec/config.yaml")
		},
	})

	return cmd
}
