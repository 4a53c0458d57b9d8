package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory"
	"github.com/mercuryhft/tradecore/internal/monitoring"
	"github.com/mercuryhft/tradecore/internal/trading"
	"github.com/mercuryhft/tradecore/internal/trading/coordinator"
)

const (
	appName    = "tradecore"
	appVersion = "v1.0.0"
)

func main() {
	var (
		version = flag.Bool("version", false, "Show version information")
		devLog  = flag.Bool("dev", false, "Use development logging")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	app := fx.New(
		fx.Provide(func() (*zap.Logger, error) {
			if *devLog {
				return zap.NewDevelopment()
			}
			return zap.NewProduction()
		}),
		memory.Module,
		trading.Module,
		monitoring.Module,
		fx.Invoke(run),
	)

	app.Run()
}

// run starts the coordinator once the dependency graph is up and stops it
// on shutdown.
func run(lifecycle fx.Lifecycle, c *coordinator.Coordinator, logger *zap.Logger) {
	lifecycle.Append(fx.StartHook(func() error {
		if !c.Start() {
			return fmt.Errorf("coordinator did not start from state %s", c.Status())
		}
		logger.Info("started", zap.String("app", appName), zap.String("version", appVersion))
		return nil
	}))
	lifecycle.Append(fx.StopHook(func() {
		c.Stop()
	}))
}
