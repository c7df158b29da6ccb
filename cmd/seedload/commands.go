package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/seedload/internal/client"
	"github.com/kalambet/seedload/internal/config"
	"github.com/kalambet/seedload/internal/ingest"
	"github.com/kalambet/seedload/internal/poller"
	"github.com/kalambet/seedload/internal/storage"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an NDJSON seed file and wait for its ingestion run",
	Long: `Upload an NDJSON seed file and wait for its ingestion run.

The run is created STARTING, the file is written to
<prefix>/<project>/data/<file name>/<run id>, and the run is set RUNNING.
Unless --no-wait is given, the run is then polled until it completes.

Examples:
  seedload upload ./users.jsonl --project p1
  seedload upload ./users.jsonl --project p1 --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		interval, err := cfg.PollInterval()
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("reading file info: %w", err)
		}
		fileName := filepath.Base(args[0])

		ctx := cmd.Context()
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		objects, err := newObjectStore(ctx, cfg)
		if err != nil {
			return err
		}

		run, err := c.CreateRun(ctx, projectID, fileName)
		if err != nil {
			return fmt.Errorf("creating run: %w", err)
		}
		printStep("Created run %s", run.ID)

		key, err := ingest.BuildKey(cfg.Object.KeyPrefix, projectID, fileName, run.ID)
		if err != nil {
			return err
		}
		if err := objects.Put(ctx, cfg.Object.Bucket, key, f, info.Size()); err != nil {
			return fmt.Errorf("uploading %s: %w", fileName, err)
		}
		printStep("Uploaded %s to %s/%s", fileName, cfg.Object.Bucket, key)

		if _, err := c.UpdateRunStatus(ctx, run.ID, storage.RunRunning); err != nil {
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
				return fmt.Errorf("marking run running: %w", err)
			}
			printWarning("Run %s already moved past RUNNING: %s", run.ID, apiErr.Message)
		}

		if noWait {
			printSuccess("Run %s is RUNNING", run.ID)
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		}
		return watchRun(cmd, run.ID, projectID, interval)
	},
}

func init() {
	uploadCmd.Flags().String("project", "", "project id (required)")
	uploadCmd.Flags().Bool("no-wait", false, "return once the run is RUNNING")
}

func watchRun(cmd *cobra.Command, runID, projectID string, interval time.Duration) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	p := &poller.RunPoller{
		Source:   c,
		Interval: interval,
		OnState: func(s poller.State) {
			printStep("Run %s: %s", runID, s)
		},
	}
	records, err := p.Run(cmd.Context(), runID, projectID)
	if err != nil {
		return err
	}
	printSuccess("Run %s complete, project %s has %d records", runID, projectID, len(records))
	return nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := c.ListRuns(cmd.Context(), projectID, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			printWarning("No runs for project %s", projectID)
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.FileName, colorStatus(string(r.Status)), r.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := c.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), run)
	},
}

var runsWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Poll a run until it completes, then fetch its project's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}
		interval, err := loadPollInterval()
		if err != nil {
			return err
		}
		return watchRun(cmd, args[0], projectID, interval)
	},
}

func init() {
	runsListCmd.Flags().String("project", "", "project id (required)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsWatchCmd.Flags().String("project", "", "project id (required)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsWatchCmd)
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Read ingested seed records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Write a project's seed records as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		output, _ := cmd.Flags().GetString("output")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		records, err := c.ListRecordsByProject(cmd.Context(), projectID)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := writeJSONL(w, records); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Wrote %d records to %s", len(records), output)
		}
		return nil
	},
}

func init() {
	recordsListCmd.Flags().String("project", "", "project id (required)")
	recordsListCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	recordsCmd.AddCommand(recordsListCmd)
}

func writeJSONL(w io.Writer, records []storage.SeedRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("writing record %s: %w", r.ID, err)
		}
	}
	return nil
}

// --- eval ---

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Track evaluation jobs",
}

var evalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a PENDING evaluation job",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		name, _ := cmd.Flags().GetString("name")
		if projectID == "" || name == "" {
			return fmt.Errorf("--project and --name are required")
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.CreateEvalJob(cmd.Context(), projectID, name)
		if err != nil {
			return err
		}
		printSuccess("Created eval job %s (%s)", job.ID, job.Status)
		fmt.Fprintln(cmd.OutOrStdout(), job.ID)
		return nil
	},
}

var evalSetStatusCmd = &cobra.Command{
	Use:   "set-status <job-id> <status>",
	Short: "Set an evaluation job's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := storage.EvalStatus(strings.ToUpper(args[1]))
		if !status.Valid() {
			return fmt.Errorf("unknown status %q (want PENDING, RUNNING, COMPLETE or FAILED)", args[1])
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.UpdateEvalJobStatus(cmd.Context(), args[0], status)
		if err != nil {
			return err
		}
		printSuccess("Eval job %s is %s", job.ID, job.Status)
		return nil
	},
}

var evalWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a project's eval jobs until none is pending or running",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}
		interval, err := loadPollInterval()
		if err != nil {
			return err
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		held, err := c.ListEvalJobs(cmd.Context(), projectID)
		if err != nil {
			return err
		}

		p := &poller.EvalPoller{
			Source:   c,
			Interval: interval,
			OnState: func(s poller.State) {
				printStep("Eval jobs for %s: %s", projectID, s)
			},
			OnUpdate: func(jobs []storage.EvalJob) {
				active := 0
				for _, j := range jobs {
					if j.Status.Active() {
						active++
					}
				}
				printStatus("Active", "%d of %d", active, len(jobs))
			},
		}
		snap, err := p.Run(cmd.Context(), projectID, held)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS")
		for _, j := range snap.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", j.ID, j.Name, colorStatus(string(j.Status)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		printSuccess("All eval jobs settled, project %s has %d records", projectID, len(snap.Records))
		return nil
	},
}

func init() {
	evalCreateCmd.Flags().String("project", "", "project id (required)")
	evalCreateCmd.Flags().String("name", "", "job name (required)")
	evalWatchCmd.Flags().String("project", "", "project id (required)")

	evalCmd.AddCommand(evalCreateCmd)
	evalCmd.AddCommand(evalSetStatusCmd)
	evalCmd.AddCommand(evalWatchCmd)
}

// --- ingest-object ---

var ingestObjectCmd = &cobra.Command{
	Use:   "ingest-object <bucket> <key>",
	Short: "Ingest one uploaded object now, without a notification",
	Long: `Ingest one uploaded object now, without a notification.

The key is parsed like a notification key, so URL-encoded keys are accepted.
Ingesting an object that was already ingested writes its records again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, closeLog := config.SetupLogger(cfg.Log)
		defer closeLog()

		ctx := cmd.Context()
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		objects, err := newObjectStore(ctx, cfg)
		if err != nil {
			return err
		}

		worker := ingest.NewWorker(ingest.WorkerConfig{
			Objects:              objects,
			Records:              store,
			Runs:                 store,
			BatchSize:            cfg.Ingest.BatchSize,
			MarkUnreadableFailed: cfg.Ingest.MarkUnreadableFailed,
			Logger:               logger,
		})
		res, err := worker.Ingest(ctx, ingest.ObjectRef{Bucket: args[0], Key: args[1]})
		if err != nil {
			return err
		}
		if !res.Completed {
			printWarning("Records written but run %s could not be marked COMPLETE", res.RunID)
		} else {
			printSuccess("Run %s complete", res.RunID)
		}
		printStatus("Records", "%d", res.Records)
		printStatus("Malformed", "%d", res.Malformed)
		printStatus("Batches", "%d", res.Batches)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func loadPollInterval() (time.Duration, error) {
	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}
	return cfg.PollInterval()
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
