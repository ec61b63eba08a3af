package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/config"
	"github.com/xxxsen/scrapeindex/internal/dispatch"
	"github.com/xxxsen/scrapeindex/internal/handler"
	"github.com/xxxsen/scrapeindex/internal/mcpserver"
	"github.com/xxxsen/scrapeindex/internal/middleware"
	"github.com/xxxsen/scrapeindex/internal/model"
)

const apiPrefix = "/api/v1"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "scrapeindex",
		Short:        "web page ingestion and semantic search",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	load := func(stdio bool) (*config.Config, error) {
		if configPath == "" {
			return nil, fmt.Errorf("--config is required")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if stdio {
			// stdout carries the mcp protocol
			cfg.LogConfig.Console = false
		}
		logger.Init(
			cfg.LogConfig.File,
			cfg.LogConfig.Level,
			int(cfg.LogConfig.FileCount),
			int(cfg.LogConfig.FileSize),
			int(cfg.LogConfig.KeepDays),
			cfg.LogConfig.Console,
		)
		logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
		return cfg, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "serve the http api, scheduled jobs and optionally mcp over http",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(false)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "serve the tools over mcp on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			srv, err := mcpserver.New(a.dispatcher)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	var (
		urls   []string
		source string
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "ingest urls once and print the job ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls = append(urls, args...)
			if len(urls) == 0 {
				return fmt.Errorf("--url is required")
			}
			cfg, err := load(false)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			for _, u := range urls {
				res, err := call(cmd.Context(), a.dispatcher, dispatch.MethodIngestURL, dispatch.IngestURLParams{URL: u, Source: source})
				if err != nil {
					return fmt.Errorf("ingest %s: %w", u, err)
				}
				r := res.(*dispatch.IngestURLResult)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.JobID, r.Status, u)
			}
			return nil
		},
	}
	ingestCmd.Flags().StringSliceVar(&urls, "url", nil, "url to ingest, repeatable")
	ingestCmd.Flags().StringVar(&source, "source", "cli", "source label stored with the jobs")

	var (
		query  string
		topK   int
		filter model.JobFilter
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "search indexed jobs and print them as json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" {
				return fmt.Errorf("--query is required")
			}
			cfg, err := load(false)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := call(cmd.Context(), a.dispatcher, dispatch.MethodSearchJobs, dispatch.SearchJobsParams{
				Query:    query,
				TopK:     topK,
				Source:   filter.Source,
				Language: filter.Language,
				Tags:     filter.Tags,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	searchCmd.Flags().StringVar(&query, "query", "", "natural language query")
	searchCmd.Flags().IntVar(&topK, "top-k", 10, "maximum number of jobs")
	searchCmd.Flags().StringVar(&filter.Source, "source", "", "only jobs with this source")
	searchCmd.Flags().StringVar(&filter.Language, "language", "", "only jobs in this language")
	searchCmd.Flags().StringSliceVar(&filter.Tags, "tag", nil, "only jobs carrying this tag, repeatable")

	var jobName string
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "run one maintenance job now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(false)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.scheduler.RunNow(cmd.Context(), jobName)
		},
	}
	jobCmd.Flags().StringVar(&jobName, "name", "reconcile_stale_jobs", "job name: reconcile_stale_jobs or cache_cleanup")

	rootCmd.AddCommand(runCmd, mcpCmd, ingestCmd, searchCmd, jobCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func call(ctx context.Context, d *dispatch.Dispatcher, method string, params interface{}) (interface{}, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	res, rpcErr := d.Call(ctx, method, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logutil.GetLogger(ctx)
	logger.Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("vector_index", cfg.VectorIndex.Type),
		zap.Bool("database", cfg.Database.Enabled()),
	)
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	deps := handler.RouterDeps{
		RPC:  handler.NewRPCHandler(a.dispatcher),
		Jobs: handler.NewJobHandler(a.dispatcher, a.jobs),
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		apiPrefix,
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.CORSOrigins),
			middleware.RateLimit(cfg.Ingest.ClientRequestsPerSecond, cfg.Ingest.ClientBurst),
			// summary streams are flushed event by event
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`^` + apiPrefix + `/jobs/[^/]+/summary$`})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	a.scheduler.Start(ctx)

	if cfg.MCPAddr != "" {
		srv, err := mcpserver.New(a.dispatcher)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.RunHTTP(ctx, cfg.MCPAddr); err != nil {
				logger.Error("mcp server error", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server stopping...")
	return nil
}
