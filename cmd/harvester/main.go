// Command harvester collects SAM.gov opportunity metadata and attachments
// for the links listed in an input CSV.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/david/sam-harvester/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbosity  int
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "SAM.gov opportunity harvester",
	Long:  "Harvester reads SAM.gov opportunity links from a CSV, collects their metadata and attachments, and records every run in a manifest.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if verbosity > 0 {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config overlay")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log detail (-v, -vv)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
