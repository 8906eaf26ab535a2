package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/npcbrain/internal/config"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/npcbrain/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "npcbrain",
	Short: "npcbrain — multi-agent Minecraft NPC reinforcement-learning core",
	Long:  "npcbrain drives a population of Minecraft bot agents through a tick-synchronized PPO training/inference loop: sensor ingestion, state encoding, action dispatch, reward shaping, policy updates, and evolutionary offspring.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: npcbrain.json5 or $NPCBRAIN_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub: connect to the sensor and action bridges and drive the tick loop",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("npcbrain %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("NPCBRAIN_CONFIG"); v != "" {
		return v
	}
	return config.DefaultConfigPath
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
