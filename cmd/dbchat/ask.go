package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the ask command.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitUnauthorized      = 2
	ExitServerUnavailable = 3
)

var (
	askQuestion  string
	askServerURL string
	askAPIKey    string
	askStream    bool
	askTimeout   int
	askSessionID string
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Send a one-shot question to a running server",
	Long: `Ask a question about the connected database and print the answer.
The question is sent to a running dbchat server, which translates it
into SQL, executes it, and summarizes the result.

Examples:
  dbchat ask -q "how many artworks are in the collection?"
  dbchat ask -q "which artist has the most artworks?" --stream
  dbchat ask -q "follow-up question" --session-id <id>

Exit codes:
  0  success
  1  execution failure
  2  unauthorized or rate limited
  3  server unavailable`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askQuestion, "question", "q", "", "question to ask (required)")
	askCmd.Flags().StringVar(&askServerURL, "server-url", "http://localhost:8000", "dbchat server URL")
	askCmd.Flags().StringVar(&askAPIKey, "api-key", "", "API key for server authentication (or DBCHAT_API_KEY env)")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "stream response via SSE")
	askCmd.Flags().IntVar(&askTimeout, "timeout", 120, "timeout in seconds")
	askCmd.Flags().StringVar(&askSessionID, "session-id", "", "session ID for multi-turn context")

	_ = askCmd.MarkFlagRequired("question")
}

func runAsk(_ *cobra.Command, _ []string) error {
	if askQuestion == "" {
		return fmt.Errorf("question is required: use -q flag")
	}

	apiKey := goutils.Env("DBCHAT_API_KEY", askAPIKey)
	serverURL := goutils.Env("DBCHAT_SERVER_URL", askServerURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(askTimeout)*time.Second)
	defer cancel()

	if askStream {
		return runAskSSE(ctx, serverURL, apiKey)
	}
	return runAskHTTP(ctx, serverURL, apiKey)
}

// runAskHTTP sends a synchronous question and prints the response.
func runAskHTTP(ctx context.Context, serverURL, apiKey string) error {
	reqBody, _ := json.Marshal(map[string]any{
		"question":   askQuestion,
		"session_id": askSessionID,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", serverURL+"/v1/ask", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitServerUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			Answer     string `json:"answer"`
			SQL        string `json:"sql"`
			SessionID  string `json:"session_id"`
			TokensUsed int    `json:"tokens_used"`
			Error      string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &result)
		fmt.Println(result.Answer)
		if result.SQL != "" {
			fmt.Fprintf(os.Stderr, "\n[sql: %s]\n", result.SQL)
		}
		fmt.Fprintf(os.Stderr, "[session_id=%s tokens=%d]\n", result.SessionID, result.TokensUsed)
		if result.Error != "" {
			fmt.Fprintf(os.Stderr, "[error: %s]\n", result.Error)
			os.Exit(ExitFailure)
		}
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitUnauthorized)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitServerUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}

// runAskSSE sends a streaming question and prints events as they arrive.
func runAskSSE(ctx context.Context, serverURL, apiKey string) error {
	reqBody, _ := json.Marshal(map[string]any{
		"question":   askQuestion,
		"session_id": askSessionID,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", serverURL+"/v1/ask/stream", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitServerUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	// Parse SSE stream.
	scanner := bufio.NewScanner(resp.Body)
	exitCode := ExitSuccess

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event struct {
			Type    string     `json:"type"`
			Content string     `json:"content"`
			SQL     string     `json:"sql"`
			Columns []string   `json:"columns"`
			Rows    [][]string `json:"rows"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "sql":
			fmt.Fprintf(os.Stderr, "[sql: %s]\n", event.SQL)
		case "rows":
			fmt.Fprintf(os.Stderr, "[%d rows]\n", len(event.Rows))
		case "text":
			fmt.Print(event.Content)
		case "error":
			fmt.Fprintf(os.Stderr, "Error: %s\n", event.Content)
			exitCode = ExitFailure
		case "done":
			fmt.Println()
			os.Exit(exitCode)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}

	return nil
}
