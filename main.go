package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustbond-server/config"
	"trustbond-server/consensus"
	"trustbond-server/routes"
	"trustbond-server/services"
	"trustbond-server/storage"

	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "trustbond-server",
		Short:         "KYC consensus backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(serveCmd(), migrateCmd(), reconcileCmd(), verifierCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the decision audit consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := cfg.RequireServe(); err != nil {
				return err
			}
			return serve(cfg, log)
		},
	}
}

func serve(cfg *config.Config, log *zap.Logger) error {
	db, err := storage.InitializeDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("error connecting to db: %w", err)
	}
	rdb, err := storage.InitializeRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("error configuring redis: %w", err)
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := services.NewMetrics(registry)
	if err != nil {
		return err
	}

	submissions := storage.NewSubmissionRepository(db)
	votes := storage.NewVoteRepository(db)
	audit := storage.NewAuditRepository(db)
	notifier := services.NewRedisNotifier(rdb, log)

	engine, err := services.NewConsensusEngine(votes, submissions, ruleFrom(cfg),
		services.WithPublisher(notifier),
		services.WithMetrics(metrics),
		services.WithLogger(log),
	)
	if err != nil {
		return err
	}

	app := routes.NewApp(&routes.Handlers{
		Engine:      engine,
		Submissions: submissions,
		Votes:       votes,
		Verifiers:   services.NewVerifierService(storage.NewVerifierRepository(db)),
		Audit:       audit,
		Events:      notifier,
		Gatherer:    registry,
		TokenSecret: cfg.AccessTokenSecret,
		Log:         log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	auditor := services.NewDecisionAuditor(audit, services.NewDeduper(rdb, cfg.Events.DedupTTL), log)
	sub, err := notifier.SubscribeAll(gctx)
	if err != nil {
		log.Warn("decision audit consumer disabled, redis subscription failed", zap.Error(err))
	} else {
		g.Go(func() error {
			defer sub.Close()
			auditor.Run(gctx, sub.Events())
			return nil
		})
	}

	addr := ":" + cfg.Port
	g.Go(func() error {
		log.Info("🚀 Starting server", zap.String("addr", addr))
		if err := app.Listen(addr, iris.WithoutInterruptHandler); err != nil && !errors.Is(err, iris.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func ruleFrom(cfg *config.Config) consensus.Rule {
	return consensus.Rule{
		MinVotes:  cfg.Consensus.MinVotes,
		Threshold: cfg.Consensus.Threshold,
	}
}
