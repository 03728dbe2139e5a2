package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"roombook/internal/app"
	"roombook/internal/calendar"
	"roombook/internal/transport/httpapi"

	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			// opening the store applies pending migrations
			a, err := app.New(*cfgPath, app.Offline())
			if err != nil {
				return err
			}
			if err := a.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newReconcileCmd(cfgPath *string) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the job table once (and optionally prune settled rows)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := app.New(*cfgPath, app.Offline())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Reconciler().Run(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned=%d repaired=%d inserted=%d updated=%d deleted=%d orphans=%d took=%s\n",
				rep.Scanned, rep.Repaired, rep.Changes.Inserted, rep.Changes.Updated, rep.Changes.Deleted,
				rep.Orphans, rep.Took.Round(time.Millisecond))
			if prune {
				pr, err := a.Reconciler().Prune(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned jobs=%d intents=%d\n", pr.Jobs, pr.Intents)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "also delete settled rows past retention")
	return cmd
}

func newSlotsCmd(cfgPath *string) *cobra.Command {
	var (
		resourceID int64
		date       string
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the free slots of a resource on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := app.New(*cfgPath, app.Offline())
			if err != nil {
				return err
			}
			defer a.Close()

			eng := a.Engine()
			loc := eng.Calendar().Location()
			d := eng.Calendar().LocalDate(time.Now())
			if strings.TrimSpace(date) != "" {
				if d, err = calendar.ParseDate(date); err != nil {
					return err
				}
			}
			free, err := eng.FreeSlots(ctx, resourceID, d)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(free) == 0 {
				fmt.Fprintf(out, "no free slots on %s\n", d)
				return nil
			}
			for _, iv := range free {
				fmt.Fprintf(out, "%s-%s\n", iv.Start.In(loc).Format("15:04"), iv.End.In(loc).Format("15:04"))
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&resourceID, "resource", "r", 0, "resource id")
	cmd.Flags().StringVarP(&date, "date", "d", "", "day as YYYY-MM-DD (default: today in the calendar zone)")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func newTokenCmd(cfgPath *string) *cobra.Command {
	var (
		userID int64
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*cfgPath, app.Offline())
			if err != nil {
				return err
			}
			cfg := a.Config()
			_ = a.Close()
			if strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
				return fmt.Errorf("http.jwt_secret is not set in %s", *cfgPath)
			}
			tok, err := httpapi.IssueToken(cfg.HTTP.JWTSecret, userID, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id (telegram id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
