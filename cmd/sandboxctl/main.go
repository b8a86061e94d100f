// Command sandboxctl is a thin operator CLI over sandboxd's REST surface:
// it authenticates with a bearer token and lists, creates, or deletes
// sandboxes against a running server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Operator CLI for a sandboxd server",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("SANDBOXD_URL", "http://localhost:8000"), "sandboxd server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SANDBOXD_TOKEN"), "bearer token (or SANDBOXD_TOKEN)")
	rootCmd.AddCommand(listCmd, createCmd, deleteCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func authedRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sandboxes",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := authedRequest(http.MethodGet, "/api/users/me/sandboxes", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "server returned %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}

		var result struct {
			Sandboxes []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				CreatedAt string `json:"created_at"`
			} `json:"sandboxes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "bad response: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREATED")
		for _, s := range result.Sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, s.CreatedAt)
		}
		w.Flush()
	},
}

var createName string

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sandbox",
	Run: func(cmd *cobra.Command, args []string) {
		body, _ := json.Marshal(map[string]string{"name": createName})
		resp, err := authedRequest(http.MethodPost, "/api/users/me/sandboxes", bytes.NewReader(body))
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			fmt.Fprintf(os.Stderr, "server returned %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}
		var result struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			CreatedAt string `json:"created_at"`
		}
		json.NewDecoder(resp.Body).Decode(&result)
		fmt.Printf("created sandbox %s (%s) at %s\n", result.ID, result.Name, result.CreatedAt)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [sandbox-id]",
	Short: "Delete a sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := authedRequest(http.MethodDelete, "/api/users/me/sandboxes/"+args[0], nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "server returned %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}
		fmt.Printf("deleted sandbox %s\n", args[0])
	},
}

func init() {
	createCmd.Flags().StringVar(&createName, "name", "", "sandbox name")
}
