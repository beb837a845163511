package forceredump

import (
	"fmt"
	"os"

	"github.com/gofrs/uuid"
	"github.com/spf13/cobra"

	"github.com/pathwar/pathwar-hypervisor/cmd"
	"github.com/pathwar/pathwar-hypervisor/internal/config"
	"github.com/pathwar/pathwar-hypervisor/internal/reconciler"
)

// Command is the force-redump command declaration.
var Command = &cobra.Command{
	Use:   "force-redump",
	Short: "Destroy and recreate a single instance, bypassing the reconcile loop",
	Run:   run,
	Long:  ``,
}

var flagUUID string

func initFlags() {
	Command.Flags().StringVar(&flagUUID, "uuid", "", "instance id to redump")
}

func init() {
	initFlags()
}

func run(cobraCommand *cobra.Command, _ []string) {
	if flagUUID == "" {
		fmt.Println("force-redump requires --uuid")
		os.Exit(1)
	}
	parsed, err := uuid.FromString(flagUUID)
	if err != nil {
		fmt.Println("--uuid is not a valid UUID:", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("failed loading configuration:", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger("pathwar-hypervisor")

	p, inv, errSink, err := cmd.Bootstrap(cfg, logger)
	if err != nil {
		logger.Error("failed bootstrapping dependencies", "reason", err)
		os.Exit(1)
	}
	defer errSink.Close()

	if err := p.Load(); err != nil {
		logger.Error("failed loading observed state", "reason", err)
		os.Exit(1)
	}

	r := reconciler.New(p, inv, errSink, reconciler.Options{
		RefreshRateSeconds: cfg.RefreshRate,
		HTTPLevelPort:      cfg.HTTPLevelPort,
	}, logger)

	if err := r.ForceRedump(parsed.String()); err != nil {
		logger.Error("force-redump failed", "reason", err)
		os.Exit(1)
	}
}
