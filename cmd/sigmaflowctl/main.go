// sigmaflowctl is a small operator CLI for the sigmaflow HTTP API.
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

	"github.com/detecteam/sigmaflow/pkg/version"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:           "sigmaflowctl",
		Short:         "Operate the sigmaflow workflow engine",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		envOr("SIGMAFLOW_SERVER", "http://localhost:8080"),
		"Base URL of the sigmaflow server")

	root.AddCommand(triggerCmd(), statusCmd(), listCmd(), cancelCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <article-id>",
		Short: "Trigger a workflow execution for an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost,
				fmt.Sprintf("/api/v1/workflow/articles/%s/trigger", args[0]))
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet,
				fmt.Sprintf("/api/v1/workflow/executions/%s", args[0]))
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <article-id>",
		Short: "List executions for an article, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet,
				"/api/v1/workflow/executions?article_id="+args[0])
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of a live execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost,
				fmt.Sprintf("/api/v1/workflow/executions/%s/cancel", args[0]))
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/healthz")
		},
	}
}

// call performs the request and pretty-prints the JSON response. Non-2xx
// responses are printed too and returned as errors.
func call(method, path string) error {
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(method, serverAddr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.Full())

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
