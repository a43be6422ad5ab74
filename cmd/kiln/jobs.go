package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-ci/kiln/pkg/client"
	"github.com/kiln-ci/kiln/pkg/config"
	"github.com/kiln-ci/kiln/pkg/types"
)

// exit codes for scripting: 0 tests passed, 1 tests failed or error,
// 130 interrupted
const exitInterrupted = 130

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, jobsCmd, watchCmd} {
		cmd.PersistentFlags().String("server", "", "server URL (default from KILN_SERVER_URL or ~/.kiln/config)")
		cmd.PersistentFlags().String("api-key", "", "API key (default from KILN_API_KEY or ~/.kiln/config)")
	}
	submitCmd.Flags().Bool("async", false, "submit and print the job ID without waiting")
	watchCmd.Flags().Bool("all", false, "replay logs from the beginning")
}

func newClientFromFlags(cmd *cobra.Command) (*client.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	cfg, err := config.ResolveClient(serverURL, apiKey)
	if err != nil {
		return nil, err
	}
	return client.NewClient(cfg.ServerURL, cfg.APIKey), nil
}

// interruptContext cancels on SIGINT/SIGTERM and exits 130 on a second
// signal so a stuck stream can always be killed
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(exitInterrupted)
	}()
	return ctx, cancel
}

func printStreamEvent(event types.StreamEvent) {
	switch event.Type {
	case types.EventJobID:
		fmt.Fprintf(os.Stderr, "Job ID: %s\n", event.JobID)
	case types.EventLog:
		fmt.Print(event.Data)
	}
}

var submitCmd = &cobra.Command{
	Use:   "submit [DIR]",
	Short: "Run a project's tests on the server",
	Long: `Zip a project directory, submit it, and stream test output until the
run finishes. Exits 0 when the tests pass and 1 when they fail.

With --async the job ID is printed immediately; use 'kiln watch' to
attach later.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		c, err := newClientFromFlags(cmd)
		if err != nil {
			return err
		}

		zipData, err := client.ZipDirectory(dir)
		if err != nil {
			return err
		}

		ctx, cancel := interruptContext()
		defer cancel()

		if async, _ := cmd.Flags().GetBool("async"); async {
			jobID, err := c.SubmitAsync(ctx, zipData)
			if err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		}

		success, err := c.Submit(ctx, zipData, printStreamEvent)
		if err != nil {
			if ctx.Err() != nil {
				os.Exit(exitInterrupted)
			}
			return err
		}
		if !success {
			os.Exit(1)
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [JOB_ID]",
	Short: "List jobs or show one job's status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := interruptContext()
		defer cancel()

		if len(args) == 1 {
			job, err := c.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			printJobTable([]types.JobSummary{*job})
			return nil
		}

		jobs, err := c.ListJobs(ctx)
		if err != nil {
			return err
		}
		printJobTable(jobs)
		return nil
	},
}

func printJobTable(jobs []types.JobSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATUS\tRESULT\tSTARTED\tFINISHED")
	for _, job := range jobs {
		result := "-"
		if job.Success != nil {
			if *job.Success {
				result = "pass"
			} else {
				result = "fail"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			job.JobID, job.Status, result,
			formatTime(job.StartTime), formatTime(job.EndTime))
	}
	w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var watchCmd = &cobra.Command{
	Use:   "watch JOB_ID",
	Short: "Stream a job's logs",
	Long: `Attach to a job's log stream. By default only new output is shown;
--all replays everything from the start. Exits 0 when the job passed
and 1 when it failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientFromFlags(cmd)
		if err != nil {
			return err
		}
		fromBeginning, _ := cmd.Flags().GetBool("all")

		ctx, cancel := interruptContext()
		defer cancel()

		success, err := c.Watch(ctx, args[0], fromBeginning, printStreamEvent)
		if err != nil {
			if ctx.Err() != nil {
				os.Exit(exitInterrupted)
			}
			return err
		}
		if !success {
			os.Exit(1)
		}
		return nil
	},
}
