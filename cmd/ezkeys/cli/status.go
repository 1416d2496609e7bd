package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether an ezkeys server is healthy",
		Long:  "Query the readiness endpoint of a running server and report each dependency check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(url)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Base URL of the server (default from server.host and server.port)")

	return cmd
}

func runStatus(base string) error {
	if base == "" {
		host := viper.GetString("server.host")
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, viper.GetInt("server.port"))
	}

	readyAddr := base + "/readyz"
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(readyAddr)
	if err != nil {
		fmt.Printf("Server is not responding at %s.\n", base)
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("unexpected readiness response from %s: %w", readyAddr, err)
	}

	fmt.Printf("Server at %s is %s (%d)\n", base, body.Status, resp.StatusCode)
	for name, state := range body.Checks {
		fmt.Printf("  %-8s %s\n", name+":", state)
	}
	return nil
}
