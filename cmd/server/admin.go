package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/studypartner/internal/library"
	"github.com/ashureev/studypartner/internal/progression"
	"github.com/ashureev/studypartner/internal/session"
	"github.com/ashureev/studypartner/internal/store"
)

// openStore loads configuration and opens the durable store for an admin
// command. The caller closes the store.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := setup()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repo, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the progress snapshot of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			snap, err := progression.New(session.New(repo), nil, nil).Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}

	var (
		student string
		kind    string
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			rows, err := repo.ListSessions(cmd.Context(), store.SessionFilter{StudentID: student, Kind: kind, Limit: limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTUDENT\tSTATUS\tSTEP\tUPDATED")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					row.ID, row.Kind, row.StudentID, row.Status, row.CurrentStep, row.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&student, "student", "", "only sessions of this student")
	list.Flags().StringVar(&kind, "kind", "", "only sessions of this kind (guided or essay)")
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")

	cmd.AddCommand(show, list)
	return cmd
}

func newLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage the problem library",
	}

	var top int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print problem library statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			s, err := library.New(repo, nil).Stats(cmd.Context(), top)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	stats.Flags().IntVar(&top, "top", 10, "number of most-used problems to list")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Deactivate stale current-event problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			n, err := library.New(repo, nil).DeactivateStaleCurrentEvents(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d problems\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", library.DefaultCurrentEventTTL, "deactivate current-event problems created before this age")

	cmd.AddCommand(stats, prune)
	return cmd
}
