package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"style-pipeline/internal/client"
	"style-pipeline/internal/status"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Request an anonymous bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := apiClient.Identity(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload TYPE FILE...",
	Short: "Upload media and queue a job",
	Long:  "Upload one or more images as a job of TYPE (stylist, bodyscan, wardrobe, general).",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, _ := cmd.Flags().GetString("metadata")
		wait, _ := cmd.Flags().GetBool("wait")
		if metadata != "" && !json.Valid([]byte(metadata)) {
			return fmt.Errorf("--metadata is not valid JSON")
		}

		files := make([]client.UploadFile, 0, len(args)-1)
		for _, path := range args[1:] {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			files = append(files, client.UploadFile{Name: filepath.Base(path), Reader: f})
		}

		accepted, err := apiClient.Upload(cmd.Context(), args[0], json.RawMessage(metadata), files...)
		if err != nil {
			return err
		}
		if !wait {
			return printJSON(cmd.OutOrStdout(), accepted)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "queued %s (about %ds)\n", accepted.JobID, accepted.EstimatedProcessingTime)
		return follow(cmd, accepted.JobID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show a job's status and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := apiClient.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var resultCmd = &cobra.Command{
	Use:   "result JOB_ID",
	Short: "Print a completed job's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient.Result(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait JOB_ID",
	Short: "Poll a job until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return follow(cmd, args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a queued or processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := apiClient.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "job already finished")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List all jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := apiClient.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-10s %3d%%  %s\n",
				j.JobID, j.Type, j.Status, j.Progress, j.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringP("metadata", "m", "", "JSON metadata, e.g. '{\"preferences\":[\"casual\"]}'")
	uploadCmd.Flags().BoolP("wait", "w", false, "poll until the job finishes")
	for _, c := range []*cobra.Command{uploadCmd, waitCmd} {
		c.Flags().Duration("interval", time.Second, "delay between polls")
		c.Flags().Int("attempts", 30, "maximum number of polls")
	}
}

// follow polls a job and prints its result, reporting progress on stderr.
func follow(cmd *cobra.Command, id string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	attempts, _ := cmd.Flags().GetInt("attempts")

	p := newPoller(interval, attempts)
	last := -1
	p.OnUpdate = func(s status.Snapshot) {
		if s.Progress != last {
			last = s.Progress
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d%%\n", s.JobID, s.Status, s.Progress)
		}
	}
	out, err := p.Poll(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out.Result)
}
