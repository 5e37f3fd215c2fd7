package main

import (
	"os"

	"github.com/spf13/cobra"
)

// @title BeFree Scheduling API
// @version 1.0.0
// @description Doctor availability, session booking and realtime presence
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	rootCmd := &cobra.Command{
		Use:          "scheduling-api",
		Short:        "Telehealth scheduling and booking service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
