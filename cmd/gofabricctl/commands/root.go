package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the daemon admin address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands
	// (table, json, or yaml).
	outputFormat string

	// httpClient is the shared admin API client.
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

// rootCmd is the top-level cobra command for gofabricctl.
var rootCmd = &cobra.Command{
	Use:   "gofabricctl",
	Short: "CLI client for the gofabric daemon",
	Long:  "gofabricctl inspects a running gofabric router through its admin HTTP API.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8470",
		"gofabric daemon admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json, yaml")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// getJSON fetches an admin API path into out.
func getJSON(path string, out any) error {
	url := "http://" + serverAddr + path

	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
