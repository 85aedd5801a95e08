// Package cli builds the buildos command line: the server itself and client
// commands against a running server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/buildos/buildos/internal/client"
	"github.com/buildos/buildos/internal/models"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	configFile string
	server     string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "buildos",
		Short: "BuildOS: a single-slot pipeline service",
		Long: `BuildOS runs repository pipelines one job at a time:
jobs are queued in order, run by a single worker, and their logs can be
tailed while they run.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (default: search /etc/buildos, $HOME/.buildos, .)")
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "http://localhost:8080", "BuildOS server URL for client commands")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout of client requests")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildTasksCommand(opts))
	rootCmd.AddCommand(buildCurrentCommand(opts))
	rootCmd.AddCommand(buildKillCommand(opts))
	rootCmd.AddCommand(buildRemoveCommand(opts))
	rootCmd.AddCommand(buildLogsCommand(opts))
	rootCmd.AddCommand(buildReposCommand(opts))

	return rootCmd
}

func (o *options) client() *client.Client {
	return client.New(o.server)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func buildEnqueueCommand(opts *options) *cobra.Command {
	var repoID string

	cmd := &cobra.Command{
		Use:   "enqueue [git-uri]",
		Short: "Queue a pipeline run for a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var gitURI string
			if len(args) == 1 {
				gitURI = args[0]
			}
			if gitURI == "" && repoID == "" {
				return fmt.Errorf("a git URI or --repo-id is required")
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Enqueue(ctx, repoID, gitURI)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoID, "repo-id", "", "id of a registered repository")
	return cmd
}

func buildTasksCommand(opts *options) *cobra.Command {
	var repoID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List jobs in enqueue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			jobs, err := opts.client().Tasks(ctx, repoID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoID, "repo-id", "", "only list jobs of this repository")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func buildCurrentCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the running job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			job, msg, err := opts.client().Current(ctx)
			if err != nil {
				return err
			}
			if job == nil {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			}
			printJobs(cmd.OutOrStdout(), []models.Job{*job})
			return nil
		},
	}
}

func buildKillCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Cancel the running job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			msg, err := opts.client().Kill(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func buildRemoveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			msg, err := opts.client().Remove(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func buildLogsCommand(opts *options) *cobra.Command {
	var follow bool
	var afterID int64
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print the log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := opts.client()

			if !follow {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				entries, err := c.Logs(ctx, args[0], afterID)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					printEntry(out, entry)
				}
				return nil
			}

			job, err := c.Follow(cmd.Context(), args[0], afterID, poll, func(entry models.LogEntry) {
				printEntry(out, entry)
			})
			if err != nil {
				return err
			}
			if job.Status != models.JobStatusFinished {
				return fmt.Errorf("job %s %s", job.ID, job.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines until the job ends")
	cmd.Flags().Int64Var(&afterID, "after", 0, "only print entries after this id")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "poll interval with --follow")
	return cmd
}

func buildReposCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			repos, err := opts.client().Repositories(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tGIT URI\tTASKS")
			for _, repo := range repos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", repo.ID, repo.Name, repo.GitURI, repo.TaskCount)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <git-uri>",
		Short: "Register a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			repo, err := opts.client().AddRepository(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", repo.ID, repo.Name)
			return nil
		},
	})

	return cmd
}

func printJobs(out io.Writer, jobs []models.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREPOSITORY\tCREATED\tDURATION\tCONTENT")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID,
			job.Status,
			models.RepositoryName(job.GitURI),
			job.CreatedAt.Local().Format(time.DateTime),
			duration(job),
			yesNo(job.HasContent),
		)
	}
	w.Flush()
}

func printEntry(out io.Writer, entry models.LogEntry) {
	fmt.Fprintf(out, "%s  %s\n", entry.Timestamp.Local().Format(time.TimeOnly), entry.Line)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func duration(job models.Job) string {
	if job.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	return end.Sub(*job.StartedAt).Round(time.Second).String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
