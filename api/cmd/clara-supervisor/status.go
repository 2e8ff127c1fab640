package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func newStatusCmd() *cobra.Command {
	var apiPort int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running supervisor for proxy status",
		RunE: func(*cobra.Command, []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/proxy/status", apiPort))
			if err != nil {
				return fmt.Errorf("supervisor not reachable on port %d: %w", apiPort, err)
			}
			defer resp.Body.Close()

			var status types.SupervisorStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			switch {
			case status.IsRunning:
				fmt.Printf("proxy running (pid %d, backend %s, %s)\n",
					status.PID, status.CurrentBackendName, status.APIURL)
			case status.IsStarting:
				fmt.Printf("proxy starting, phase %s (%.0fs)\n",
					status.CurrentStartupPhase, status.StartingDuration)
			default:
				fmt.Println("proxy stopped")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&apiPort, "api-port", 8092, "control API port on localhost")
	return cmd
}
