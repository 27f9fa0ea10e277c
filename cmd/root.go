package cmd

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omnibridge/omnibridge/core/config"
)

var rootCmd = &cobra.Command{
	Use:   "omnibridge",
	Short: "Multi-network messaging channel gateway",
	Long: `Omnibridge maintains authenticated sessions against multiple messaging
networks and exposes a uniform send/receive API over HTTP.`,
}

func init() {
	// Environment first; LoadConfig layers viper on top of it.
	_ = godotenv.Load()

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if _, err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if config.Global.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
