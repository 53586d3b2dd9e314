// Command stylectl uploads media to the style pipeline and follows jobs to completion.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"style-pipeline/internal/client"
	"style-pipeline/internal/logging"
)

var (
	serverURL string
	token     string
	verbose   bool

	apiClient *client.Client
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "stylectl",
	Short:         "Submit and track style pipeline jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger = logging.NewWithWriter(os.Stderr, level, "text")
		apiClient = client.New(serverURL, nil)
		if token != "" {
			apiClient = apiClient.WithToken(token)
		}
	},
}

func init() {
	_ = godotenv.Load()

	defaultURL := os.Getenv("STYLE_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "API base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("STYLE_TOKEN"), "bearer token issued by the identity command")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log poll attempts")

	rootCmd.AddCommand(identityCmd, uploadCmd, statusCmd, resultCmd, waitCmd, cancelCmd, jobsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPoller(interval time.Duration, attempts int) *client.Poller {
	p := client.NewPoller(apiClient, logger)
	p.Interval = interval
	p.MaxAttempts = attempts
	return p
}
