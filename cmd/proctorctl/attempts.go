package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ashureev/shsh-proctor/internal/domain"
	"github.com/ashureev/shsh-proctor/internal/store"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

func (c *cli) attemptsCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(repo store.Repository) error {
				var (
					attempts []*domain.Attempt
					err      error
				)
				if userID != "" {
					attempts, err = repo.ListAttempts(cmd.Context(), userID)
				} else {
					attempts, err = repo.ListAllAttempts(cmd.Context(), limit)
				}
				if err != nil {
					return err
				}
				return printAttempts(cmd.OutOrStdout(), attempts)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only list attempts of this user ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum attempts to list across all users")
	return cmd
}

func printAttempts(out io.Writer, attempts []*domain.Attempt) error {
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(out, "No attempts found.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tASSESSMENT\tSTATUS\tVIOLATIONS\tSTARTED\tDEADLINE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			a.ID,
			a.UserID,
			a.AssessmentID,
			a.Status,
			a.ViolationCount,
			a.MaxAllowedViolations,
			a.StartedAt.UTC().Format(timeLayout),
			a.Deadline.UTC().Format(timeLayout),
		)
	}
	return tw.Flush()
}

func (c *cli) violationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "violations <attempt-id>",
		Short: "List the recorded violations of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(repo store.Repository) error {
				attempt, err := repo.GetAttempt(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if attempt == nil {
					return fmt.Errorf("attempt %s not found", args[0])
				}
				violations, err := repo.ListViolations(cmd.Context(), attempt.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Attempt %s (%s): %d violation(s), %d allowed\n",
					attempt.ID, attempt.Status, attempt.ViolationCount, attempt.MaxAllowedViolations)
				if len(violations) == 0 {
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tKIND\tOCCURRED")
				for _, v := range violations {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", v.Count, v.Kind, v.OccurredAt.UTC().Format(timeLayout))
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) endCmd() *cobra.Command {
	var (
		reason string
		status string
	)
	cmd := &cobra.Command{
		Use:   "end <attempt-id>",
		Short: "End an active attempt",
		Long: `End an active attempt. A learner still connected is told the attempt
ended on their next signal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.AttemptStatus(status)
			if !st.Valid() || st == domain.AttemptActive {
				return fmt.Errorf("invalid status %q (want submitted, timed_out or terminated)", status)
			}
			return c.withStore(func(repo store.Repository) error {
				changed, err := repo.EndAttempt(cmd.Context(), args[0], st, reason, time.Now())
				if err != nil {
					return err
				}
				if !changed {
					return fmt.Errorf("attempt %s is not active", args[0])
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Attempt %s ended (%s)\n", args[0], st)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "ended by administrator", "reason recorded on the attempt")
	cmd.Flags().StringVar(&status, "status", string(domain.AttemptTerminated), "final status: submitted, timed_out or terminated")
	return cmd
}
