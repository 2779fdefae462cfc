package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hutchcloud/hutch/pkg/api"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - box lifecycle and fleet SSH key distribution",
	Long: `Hutch provisions long-lived compute boxes, bootstraps them over SSH,
and keeps every box's authorized_keys file converged with the operator
keys registered against the control plane.

The same binary runs the control plane (hutch server) and drives it
(hutch box, hutch key, hutch image).`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Every command group talks to the same control plane.
	rootCmd.PersistentFlags().String("server", envOr("HUTCH_SERVER_URL", "http://localhost:8080"), "Control plane URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("HUTCH_TOKEN"), "API bearer token")

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(boxCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(imageCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiClient builds a client from the persistent connection flags.
func apiClient(cmd *cobra.Command) (*api.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	c, err := api.NewClient(api.ClientConfig{BaseURL: serverURL, Token: token})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane: %v", err)
	}
	return c, nil
}
