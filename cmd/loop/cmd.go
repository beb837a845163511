package loop

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pathwar/pathwar-hypervisor/cmd"
	"github.com/pathwar/pathwar-hypervisor/internal/config"
	"github.com/pathwar/pathwar-hypervisor/internal/reconciler"
)

// Command is the loop command declaration.
var Command = &cobra.Command{
	Use:   "loop",
	Short: "Load the observed state from every host and reconcile forever",
	Run:   run,
	Long:  ``,
}

func run(cobraCommand *cobra.Command, _ []string) {
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

	r.Run()
}
