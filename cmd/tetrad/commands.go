package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tetradhq/tetrad/internal/config"
)

var (
	chatSessionID string
	chatUserID    string
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send a prompt through the pipeline and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		sessionID := chatSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
			printStatus("session", "%s", sessionID)
		}

		answered := false
		err = client.streamChat(cmd.Context(), sessionID, chatUserID, prompt, func(ev chatEvent) error {
			switch ev.kind {
			case "agent":
				var data struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(ev.data, &data); err == nil {
					printStage(data.Name)
				}
			case "tool_call_completed":
				var data struct {
					Tool      string  `json:"tool"`
					OK        bool    `json:"ok"`
					LatencyMs float64 `json:"latencyMs"`
				}
				if err := json.Unmarshal(ev.data, &data); err == nil {
					status := "ok"
					if !data.OK {
						status = "failed"
					}
					printStatus("tool", "%s %s (%.0fms)", data.Tool, status, data.LatencyMs)
				}
			case "token":
				var data struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(ev.data, &data); err == nil {
					fmt.Print(data.Text)
					answered = true
				}
			case "done":
				var data struct {
					FullText    string   `json:"fullText"`
					Suggestions []string `json:"suggestions"`
					Timings     struct {
						TTFTMs  float64 `json:"ttft_ms"`
						TotalMs float64 `json:"total_ms"`
					} `json:"timings"`
				}
				if err := json.Unmarshal(ev.data, &data); err != nil {
					return err
				}
				if answered {
					fmt.Println()
				}
				fmt.Println()
				for _, s := range data.Suggestions {
					fmt.Printf("  %s %s\n", colorize(colorCyan, "→"), s)
				}
				printStatus("timing", "ttft %.0fms, total %.0fms", data.Timings.TTFTMs, data.Timings.TotalMs)
			case "error":
				var data struct {
					Kind    string `json:"kind"`
					Message string `json:"message"`
				}
				if err := json.Unmarshal(ev.data, &data); err != nil {
					return err
				}
				return fmt.Errorf("%s: %s", data.Kind, data.Message)
			}
			return nil
		})
		if err != nil {
			printError("%v", err)
			return err
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions <session-id>",
	Short: "Show a session and its recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/sessions/"+args[0])
		if err != nil {
			return err
		}
		var session struct {
			SessionID string `json:"sessionId"`
			UserID    string `json:"userId"`
			Summary   string `json:"summary"`
			TurnCount int64  `json:"turnCount"`
		}
		if err := decodeJSON(resp, &session); err != nil {
			return err
		}

		printStatus("session", "%s", session.SessionID)
		printStatus("user", "%s", session.UserID)
		printStatus("turns", "%d", session.TurnCount)
		if session.Summary != "" {
			printStatus("summary", "%s", session.Summary)
		}

		resp, err = client.get(cmd.Context(), "/v1/sessions/"+args[0]+"/messages?limit=20")
		if err != nil {
			return err
		}
		var messages []struct {
			Seq    int64  `json:"seq"`
			Prompt string `json:"prompt"`
			Answer string `json:"answer"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}

		fmt.Println()
		for _, m := range messages {
			fmt.Printf("%s %s\n", colorize(colorCyan, fmt.Sprintf("[%d] user:", m.Seq)), m.Prompt)
			if m.Status == "completed" {
				fmt.Printf("%s %s\n", colorize(colorGreen, fmt.Sprintf("[%d] tetrad:", m.Seq)), m.Answer)
			} else {
				fmt.Printf("%s %s\n", colorize(colorRed, fmt.Sprintf("[%d] tetrad:", m.Seq)), "(errored)")
			}
		}
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics <session-id>",
	Short: "Show latency and tool-call metrics for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/metrics/"+args[0])
		if err != nil {
			return err
		}
		var metrics struct {
			SessionID      string   `json:"sessionId"`
			TotalRequests  int64    `json:"totalRequests"`
			ErroredTurns   int64    `json:"erroredTurns"`
			AvgTTFTMs      *float64 `json:"avgTtftMs"`
			AvgTotalTimeMs *float64 `json:"avgTotalTimeMs"`
			TotalToolCalls int64    `json:"totalToolCalls"`
		}
		if err := decodeJSON(resp, &metrics); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "session\t%s\n", metrics.SessionID)
		fmt.Fprintf(w, "requests\t%d\n", metrics.TotalRequests)
		fmt.Fprintf(w, "errored\t%d\n", metrics.ErroredTurns)
		fmt.Fprintf(w, "tool calls\t%d\n", metrics.TotalToolCalls)
		if metrics.AvgTTFTMs != nil {
			fmt.Fprintf(w, "avg ttft\t%.1fms\n", *metrics.AvgTTFTMs)
		}
		if metrics.AvgTotalTimeMs != nil {
			fmt.Fprintf(w, "avg total\t%.1fms\n", *metrics.AvgTotalTimeMs)
		}
		return w.Flush()
	},
}

var seedPrompts = []string{
	"Summarize what makes a good morning routine",
	"What did we talk about in our previous conversation?",
	"Explain the difference between concurrency and parallelism",
	"Recap the key points from earlier messages",
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo sessions by running prompts through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("seeding demo sessions")

		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(2)

		for _, prompt := range seedPrompts {
			g.Go(func() error {
				sessionID := uuid.NewString()
				err := client.streamChat(ctx, sessionID, "seed", prompt, func(ev chatEvent) error {
					if ev.kind == "error" {
						var data struct {
							Kind    string `json:"kind"`
							Message string `json:"message"`
						}
						if err := json.Unmarshal(ev.data, &data); err != nil {
							return err
						}
						return fmt.Errorf("%s: %s", data.Kind, data.Message)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("seeding %q: %w", prompt, err)
				}
				printSuccess("seeded session %s", sessionID)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			printError("%v", err)
			return err
		}
		printSuccess("created %d demo sessions", len(seedPrompts))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show one configuration value, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		entries := config.ShowAll(cfg)

		if len(args) == 1 {
			for _, e := range entries {
				if e.Key == args[0] {
					fmt.Println(e.Value)
					return nil
				}
			}
			return fmt.Errorf("unknown key %q (valid: %s)", args[0], strings.Join(config.ValidKeys(), ", "))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.Key, e.Value)
		}
		return w.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		printWarning("restart the server for the change to take effect")
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session ID to continue (default: new session)")
	chatCmd.Flags().StringVar(&chatUserID, "user", "cli", "user ID recorded on the turn")
	configCmd.AddCommand(configGetCmd, configSetCmd)
}
