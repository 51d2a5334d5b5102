package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/blah-code/blah-code/internal/config"
)

var statusHost string
var statusPort int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running blah-code daemon's /v1/status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusHost, "host", "127.0.0.1", "Daemon host")
	statusCmd.Flags().IntVarP(&statusPort, "port", "p", 0, "Daemon port (defaults to config daemon.port or 4096)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	port := statusPort
	host := statusHost
	if port == 0 {
		workDir, err := GetWorkDir("")
		if err != nil {
			return err
		}
		appConfig, err := config.Load(workDir)
		if err != nil {
			return err
		}
		if appConfig.Daemon.Host != "" {
			host = appConfig.Daemon.Host
		}
		port = appConfig.Daemon.Port
		if port == 0 {
			port = 4096
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/v1/status", host, port))
	if err != nil {
		return fmt.Errorf("blah-code: daemon unreachable at %s:%d: %w", host, port, err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
