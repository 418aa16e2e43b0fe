package main

import (
	"fmt"
	"time"

	"trustbond-server/services"
	"trustbond-server/storage"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if _, err := storage.InitializeDB(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Schema is up to date")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		republishSince time.Duration
		concurrency    int
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-evaluate pending submissions and optionally republish recent decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := storage.InitializeDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			rdb, err := storage.InitializeRedis(cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			submissions := storage.NewSubmissionRepository(db)
			votes := storage.NewVoteRepository(db)
			notifier := services.NewRedisNotifier(rdb, log)
			engine, err := services.NewConsensusEngine(votes, submissions, ruleFrom(cfg),
				services.WithPublisher(notifier),
				services.WithLogger(log),
			)
			if err != nil {
				return err
			}

			reconciler := services.NewReconciler(engine, submissions, notifier, log).
				WithConcurrency(concurrency).
				WithVoteHistory(votes)
			report, err := reconciler.EvaluatePending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evaluated %d pending submissions, finalized %d, failed %d\n",
				report.Evaluated, report.Finalized, report.Failed)

			if republishSince > 0 {
				n, err := reconciler.RepublishSince(cmd.Context(), time.Now().Add(-republishSince))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "republished %d events\n", n)
			}

			if report.Failed > 0 {
				return fmt.Errorf("%d evaluations failed", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&republishSince, "republish-since", 0, "republish vote and status events recorded within this window")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "number of submissions evaluated in parallel")
	return cmd
}

func verifierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verifier",
		Short: "Manage verifiers",
	}

	var name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a verifier and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := storage.InitializeDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}

			verifier, apiKey, err := services.NewVerifierService(storage.NewVerifierRepository(db)).Register(cmd.Context(), name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verifier id: %s\n", verifier.ID)
			fmt.Fprintf(out, "api key:     %s\n", apiKey)
			fmt.Fprintln(out, "The API key is shown once; store it now.")
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name of the bank")
	add.MarkFlagRequired("name")

	cmd.AddCommand(
		add,
		setActiveCmd("deactivate", "Deactivate a verifier; its existing tokens are refused", false),
		setActiveCmd("activate", "Re-activate a verifier", true),
	)
	return cmd
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := storage.InitializeDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}

			if err := services.NewVerifierService(storage.NewVerifierRepository(db)).SetActive(cmd.Context(), id, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verifier %s active=%t\n", id, active)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "verifier id")
	cmd.MarkFlagRequired("id")
	return cmd
}
