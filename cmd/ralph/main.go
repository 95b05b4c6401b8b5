// Package main implements the ralph CLI for manual operations against the
// ralphd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the ralphd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "CLI for ralphd HTTP server operations",
	Long: `ralph is a command-line interface for interacting with the ralphd daemon.
It provides commands for checking loop status and answering pending questions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9290", "ralphd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(answerCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check ralphd server health",
	RunE:  runHealth,
}

// statusCmd shows the loop snapshot
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the attempt loop status",
	Long: `Show the current state of the attempt loop.

Examples:
  # Show status
  ralph status

  # Use a different server
  ralph status --server http://localhost:8080`,
	RunE: runStatus,
}

// questionsCmd lists questions waiting for an answer
var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List questions waiting for an answer",
	RunE:  runQuestions,
}

// answerCmd answers a pending question
var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer>",
	Short: "Answer a pending question",
	Long: `Record the answer for a pending question. A blocked session picks the
answer up on its next poll.

Examples:
  # Answer a question
  ralph answer 4f1c... "use postgres"`,
	Args: cobra.ExactArgs(2),
	RunE: runAnswer,
}

// statusResponse matches internal/http/server.go StatusResponse
type statusResponse struct {
	Loop struct {
		Bound       bool   `json:"bound"`
		Goal        string `json:"goal"`
		Attempt     int    `json:"attempt"`
		MaxAttempts int    `json:"maxAttempts"`
		Delegated   bool   `json:"delegated"`
		Terminal    bool   `json:"terminal"`
		Exhausted   bool   `json:"exhausted"`
		Paused      bool   `json:"paused"`
	} `json:"loop"`
	OpenQuestions int `json:"openQuestions"`
}

// questionItem matches internal/qa Question
type questionItem struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Attempt   int       `json:"attempt"`
	Question  string    `json:"question"`
	CreatedAt time.Time `json:"createdAt"`
}

// answerResponse matches internal/http/server.go AnswerResponse
type answerResponse struct {
	ID         string `json:"id"`
	Superseded bool   `json:"superseded"`
}

func get(path string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := get("/health", &resp); err != nil {
		return err
	}
	fmt.Printf("Server status: %s\n", resp.Status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var resp statusResponse
	if err := get("/api/v1/status", &resp); err != nil {
		return err
	}

	if !resp.Loop.Bound {
		fmt.Println("Loop: not bound")
		return nil
	}
	state := "running"
	switch {
	case resp.Loop.Terminal:
		state = "complete"
	case resp.Loop.Exhausted:
		state = "exhausted"
	case resp.Loop.Paused:
		state = "paused"
	}
	fmt.Printf("Goal:      %s\n", resp.Loop.Goal)
	fmt.Printf("State:     %s\n", state)
	fmt.Printf("Attempt:   %d of %d\n", resp.Loop.Attempt, resp.Loop.MaxAttempts)
	fmt.Printf("Delegated: %v\n", resp.Loop.Delegated)
	fmt.Printf("Questions: %d open\n", resp.OpenQuestions)
	return nil
}

func runQuestions(cmd *cobra.Command, args []string) error {
	var questions []questionItem
	if err := get("/api/v1/questions", &questions); err != nil {
		return err
	}

	if len(questions) == 0 {
		fmt.Println("No questions waiting.")
		return nil
	}
	for _, q := range questions {
		fmt.Printf("%s  [%s, attempt %d, %s]\n  %s\n",
			q.ID, q.Role, q.Attempt, q.CreatedAt.Format(time.RFC3339), q.Question)
	}
	return nil
}

func runAnswer(cmd *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]string{"answer": args[1]})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(
		serverURL+"/api/v1/questions/"+args[0]+"/answer",
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var out answerResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if out.Superseded {
		fmt.Printf("Answer recorded for %s (replaced a previous answer)\n", out.ID)
	} else {
		fmt.Printf("Answer recorded for %s\n", out.ID)
	}
	return nil
}
