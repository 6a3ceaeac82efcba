package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/iago/jyotish-reports/internal/poller"
	"github.com/spf13/cobra"
)

type apiOptions struct {
	baseURL string
	token   string
	timeout time.Duration
}

func (o *apiOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.baseURL, "base-url", envOr("REPORTS_API_URL", "http://localhost:8080"), "API base URL")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv("API_AUTH_TOKEN"), "bearer token for /v1 routes")
	cmd.Flags().DurationVar(&o.timeout, "http-timeout", 10*time.Second, "timeout of one HTTP request")
}

func (o *apiOptions) client() *http.Client {
	return &http.Client{Timeout: o.timeout}
}

func pollCmd() *cobra.Command {
	var (
		api         apiOptions
		interval    time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "poll <report-id>",
		Short: "Follow a report until it is complete, failed or the poll budget runs out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fetcher := poller.HTTPFetcher{BaseURL: api.baseURL, AuthToken: api.token, HTTPClient: api.client()}
			p := poller.New(fetcher, poller.Config{
				Interval:    interval,
				MaxAttempts: maxAttempts,
				Logger:      log.New(cmd.ErrOrStderr(), "[poll] ", 0),
			})

			printed := ""
			result, err := p.Poll(cmd.Context(), args[0], func(update poller.Update) {
				content := update.Report.Content
				if update.Restarted || !strings.HasPrefix(content, printed) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\n--- generation %d restarted ---\n", update.Report.Generation)
					printed = ""
				}
				fmt.Fprint(out, content[len(printed):])
				printed = content
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "outcome=%s attempts=%d restarts=%d\n", result.Outcome, result.Attempts, result.Restarts)
			switch result.Outcome {
			case poller.OutcomeFailed:
				return fmt.Errorf("report %s failed", args[0])
			case poller.OutcomeTimedOut:
				return fmt.Errorf("report %s still generating after %d attempts", args[0], result.Attempts)
			}
			return nil
		},
	}
	api.bind(cmd)
	cmd.Flags().DurationVar(&interval, "interval", poller.DefaultInterval, "delay between two reads")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", poller.DefaultMaxAttempts, "reads before giving up")
	return cmd
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
