package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/npcbrain/internal/config"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("npcbrain doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults will be used)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Memory Store:")
	mode := "sqlite"
	if cfg.IsManagedMode() {
		mode = "postgres"
	}
	fmt.Printf("    %-12s %s\n", "Mode:", mode)
	store, err := openMemoryStore(cfg)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK, schema migrated\n", "Status:")
		store.Close()
	}

	fmt.Println()
	fmt.Println("  Bridges:")
	fmt.Printf("    %-12s ws://%s:%d\n", "Sensor:", cfg.Sensor.Host, cfg.Sensor.Port)
	fmt.Printf("    %-12s ws://%s:%d\n", "Action:", cfg.Bridge.Host, cfg.Bridge.Port)

	fmt.Println()
	paramsDir := config.ExpandHome(cfg.ML.ParamsDir)
	fmt.Printf("  Params dir: %s", paramsDir)
	if _, err := os.Stat(paramsDir); err != nil {
		fmt.Println(" (NOT FOUND, will be created on first save)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}
