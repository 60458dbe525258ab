// Package main is the entry point for the scholar CLI, an educational
// assistant that routes questions to domain specialists, grounds answers in
// a private knowledge base, and reviews every draft before delivering it.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/scholar/internal/classify"
	"github.com/normanking/scholar/internal/config"
	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/critique"
	"github.com/normanking/scholar/internal/gateway"
	"github.com/normanking/scholar/internal/ingestion"
	"github.com/normanking/scholar/internal/knowledge"
	"github.com/normanking/scholar/internal/llm"
	"github.com/normanking/scholar/internal/orchestrator"
	"github.com/normanking/scholar/internal/prompts"
	"github.com/normanking/scholar/internal/router"
	"github.com/normanking/scholar/internal/session"
	"github.com/normanking/scholar/internal/specialist"
)

var version = "0.1.0"

var (
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "scholar",
		Short:   "Scholar - a tutoring assistant with domain specialists and reviewed answers",
		Version: version,
		Long: `Scholar answers questions by classifying them into a subject area,
routing to a domain specialist, grounding the answer in your private
knowledge base (escalating to web search only when local knowledge
comes up empty), and reviewing every draft before delivering it.

Ask a question:        scholar ask --user alice "Why is the sky blue?"
Index your notes:      scholar ingest --user alice ./notes/
Inspect the config:    scholar config show`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.scholar/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	var log zerolog.Logger
	if cfg.Logging.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func newAskCmd() *cobra.Command {
	var userID, threadID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			store, err := knowledge.Open(cfg.Knowledge.DataDir)
			if err != nil {
				return fmt.Errorf("open knowledge store: %w", err)
			}
			defer store.Close()

			orch, err := buildOrchestrator(cfg, store, log)
			if err != nil {
				return err
			}

			question := strings.Join(args, " ")
			answer, err := orch.HandleTurn(cmd.Context(), userID, threadID, question)
			if err != nil {
				return err
			}

			fmt.Println(answer.Text)
			if answer.Flagged {
				fmt.Fprintf(os.Stderr, "\n[review exhausted after %d retries; answer may be incomplete]\n", answer.RetryCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id owning the knowledge partition (required)")
	cmd.Flags().StringVar(&threadID, "thread", "default", "conversation thread id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "ingest [path]",
		Short: "Index documents into a user's knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			store, err := knowledge.Open(cfg.Knowledge.DataDir)
			if err != nil {
				return fmt.Errorf("open knowledge store: %w", err)
			}
			defer store.Close()

			pipeline := ingestion.New(store, log)
			results, summary, err := pipeline.IngestPath(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}

			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(os.Stderr, "failed: %s: %v\n", r.Title, r.Err)
					continue
				}
				fmt.Printf("indexed: %s (%d chunks)\n", r.Title, len(r.ChunkIDs))
			}
			fmt.Printf("%d sources, %d chunks, %d failed in %s\n",
				summary.Sources, summary.Chunks, summary.Failed, summary.Duration.Round(1e6))
			if summary.Failed > 0 {
				return fmt.Errorf("%d source(s) failed to ingest", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id owning the knowledge partition (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config ready (provider: %s)\n", cfg.LLM.DefaultProvider)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	return cmd
}

// buildOrchestrator wires the full turn pipeline from configuration.
func buildOrchestrator(cfg *config.Config, store *knowledge.Store, log zerolog.Logger) (*orchestrator.Orchestrator, error) {
	providerCfg := cfg.ProviderConfigFor(cfg.LLM.DefaultProvider)
	provider, err := llm.NewProvider(cfg.LLM.DefaultProvider, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	if !provider.Available() {
		return nil, fmt.Errorf("provider %s is not configured (missing API key or endpoint)", provider.Name())
	}

	queryModel := providerCfg.QueryModel
	if queryModel == "" {
		queryModel = providerCfg.Model
	}

	gw := gateway.New(log, gateway.WithCallTimeout(cfg.CallTimeout()))
	if err := gw.Register(gateway.NewLocalRetrievalTool(store, cfg.Retrieval.TopK)); err != nil {
		return nil, err
	}
	if cfg.Search.Enabled && cfg.Search.APIKey != "" {
		if err := gw.Register(gateway.NewWebSearchTool(cfg.Search.APIKey, log)); err != nil {
			return nil, err
		}
	} else {
		log.Debug().Msg("web search disabled, answers use local knowledge only")
	}

	executors := make(map[conversation.Domain]*specialist.Executor)
	for domain, profile := range prompts.Profiles() {
		executors[domain] = specialist.New(provider, gw, profile, providerCfg.Model, log,
			specialist.WithMaxToolRounds(cfg.Orchestrator.MaxToolRounds),
			specialist.WithTopK(cfg.Retrieval.TopK),
			specialist.WithMinScore(cfg.Retrieval.MinScore),
			specialist.WithSampling(providerCfg.Temperature, providerCfg.MaxTokens),
		)
	}

	rt, err := router.New(log, executors)
	if err != nil {
		return nil, err
	}

	classifier := classify.New(provider, queryModel, log,
		classify.WithConfidenceFloor(cfg.Orchestrator.ConfidenceFloor))
	critic := critique.New(provider, queryModel, log)
	sessions := session.New(store, log, session.WithHistoryLimit(cfg.Orchestrator.HistoryLimit))

	return orchestrator.New(classifier, rt, critic, sessions, log,
		orchestrator.WithMaxRetries(cfg.Orchestrator.MaxRetries)), nil
}
