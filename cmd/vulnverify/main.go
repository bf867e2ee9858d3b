package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"vulnverify/internal/config"
	"vulnverify/internal/crawler"
	"vulnverify/internal/extractor"
	"vulnverify/internal/index"
	"vulnverify/internal/knowledge"
	"vulnverify/internal/logging"
	"vulnverify/internal/retrieval"
	"vulnverify/internal/storage"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rootCmd = &cobra.Command{
		Use:           "vulnverify",
		Short:         "Triage vulnerability reports against an indexed codebase",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	configPath string
	dbPath     string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("[-] %v", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Path to the embedding database (overrides storage.db_path)")

	queryCmd.Flags().IntP("top-k", "k", 0, "Number of results (defaults to retrieval.top_k)")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(triageCmd)
}

// env is everything a command needs, built from the configuration.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: logger}, nil
}

// embedder builds the configured embedder with the cache and failure policy
// applied.
func (e *env) embedder(ctx context.Context) (knowledge.Embedder, error) {
	emb, err := knowledge.NewEmbedder(ctx, knowledge.EmbedderOptions{
		Provider:  e.cfg.AI.Provider,
		APIKey:    e.cfg.AI.APIKey,
		Model:     e.cfg.AI.Model,
		Dimension: e.cfg.AI.Dimension,
		BaseURL:   e.cfg.AI.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return knowledge.WithPolicy(emb, knowledge.EmbeddingPolicy{
		Cache:        e.cfg.Embedding.Cache,
		ZeroFallback: e.cfg.Embedding.FailurePolicy == config.EmbeddingFailZero,
	}, e.log), nil
}

// retriever loads the persisted index and wraps it in a retrieval service.
func (e *env) retriever(ctx context.Context) (*retrieval.Service, error) {
	store, err := storage.NewSQLiteStore(e.cfg.Storage.DBPath, storage.Options{Logger: e.log})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	idx, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	if idx.Len() == 0 {
		color.Yellow("[*] Index at %s is empty; run 'vulnverify index' first.", e.cfg.Storage.DBPath)
	}

	emb, err := e.embedder(ctx)
	if err != nil {
		return nil, err
	}
	return retrieval.NewService(idx, emb, e.log), nil
}

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Extract code units from a project and embed them into the local database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.log.Sync()

		root := e.cfg.Project.Root
		if len(args) > 0 {
			root = args[0]
		}
		absPath, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		fmt.Printf("📂 Indexing directory: %s\n", absPath)

		ctx := cmd.Context()
		emb, err := e.embedder(ctx)
		if err != nil {
			return err
		}

		var bar *progressbar.ProgressBar
		store, err := storage.NewSQLiteStore(e.cfg.Storage.DBPath, storage.Options{
			Embedder: emb,
			Logger:   e.log,
			Progress: func(done, total int) {
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription("embedding"),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish())
				}
				_ = bar.Set(done)
			},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		ext, err := extractor.NewExtractor("go")
		if err != nil {
			return fmt.Errorf("failed to create extractor: %w", err)
		}
		defer ext.Close()
		indexer := index.NewIndexer(crawler.NewCrawler(ext, crawler.Options{Logger: e.log}), store, e.log)

		stats, err := indexer.Build(ctx, absPath)
		if bar != nil {
			_ = bar.Finish()
		}
		if err != nil {
			return err
		}
		color.Green("[+] Indexed %d units from %d files in %v (%d stale removed) -> %s",
			stats.Units, stats.Scan.Files, stats.Elapsed.Round(time.Millisecond), stats.Removed, e.cfg.Storage.DBPath)
		if stats.Scan.Skipped > 0 {
			color.Yellow("[*] %d files could not be parsed", stats.Scan.Skipped)
		}
		if n := len(stats.Scan.Collisions); n > 0 {
			color.Yellow("[*] %d unit ids were defined more than once; the first definition was kept", n)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Show the code units most similar to a piece of text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.log.Sync()

		topK, _ := cmd.Flags().GetInt("top-k")
		if topK <= 0 {
			topK = e.cfg.Retrieval.TopK
		}

		svc, err := e.retriever(cmd.Context())
		if err != nil {
			return err
		}
		results, err := svc.Query(cmd.Context(), args[0], topK, e.cfg.Retrieval.MinSimilarity)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			color.Yellow("[*] No code units above similarity %.2f.", e.cfg.Retrieval.MinSimilarity)
			return nil
		}
		for i, r := range results {
			color.Cyan("[%d] %s (%.4f)", i+1, r.Unit.UnitID, r.Similarity)
			fmt.Println(r.Render())
			fmt.Println()
		}
		return nil
	},
}
