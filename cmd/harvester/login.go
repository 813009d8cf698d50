package main

import (
	"log"

	"github.com/david/sam-harvester/internal/session"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open a browser to log in to SAM.gov and save the session",
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := session.NewStore(cfg)
	if err := store.Prepare(cmd.Context(), true); err != nil {
		return err
	}
	log.Printf("[Session] Session saved in %s", store.Dir)
	return nil
}
