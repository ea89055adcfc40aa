package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/aegis/internal/registry"
	"github.com/cuemby/aegis/internal/transport/natsbroker"
	"github.com/cuemby/aegis/pkg/aegisconfig"
	"github.com/cuemby/aegis/pkg/aegislog"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

var statusCmd = &cobra.Command{
	Use:   "status [service]",
	Short: "list registered instances of a service, or every service if omitted",
	Long: `status connects to the broker, reads the live service registry, and
prints each matching instance's status, version, and sticky-active role.
Entries whose heartbeat has expired are already gone from the registry by
the time status reads it, so nothing stale is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("config", "", "optional YAML config file overlaying the environment")
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := aegisconfig.Load(configPath)
	if err != nil {
		return withExitCode(exitConfigError, err)
	}

	log := aegislog.WithComponent("status")
	t := natsbroker.New(cfg.BrokerURL, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Connect(ctx); err != nil {
		return withExitCode(exitRuntimeError, err)
	}
	defer t.Disconnect(ctx)

	ttl := time.Duration(cfg.RegistryTTLSeconds) * time.Second
	reg, err := registry.New(ctx, t, aegistypes.SystemClock{}, ttl)
	if err != nil {
		return withExitCode(exitRuntimeError, err)
	}

	var filter *aegistypes.ServiceName
	if len(args) == 1 {
		svc, err := aegistypes.NewServiceName(args[0])
		if err != nil {
			return withExitCode(exitConfigError, err)
		}
		filter = &svc
	}

	instances, err := reg.ListInstances(ctx, filter)
	if err != nil {
		return withExitCode(exitRuntimeError, err)
	}
	printInstances(instances)
	return nil
}

func printInstances(instances []aegistypes.ServiceInstance) {
	if len(instances) == 0 {
		fmt.Println("no registered instances")
		return
	}
	for _, inst := range instances {
		sticky := ""
		if inst.StickyActiveStatus != nil {
			sticky = " sticky=" + string(*inst.StickyActiveStatus)
		}
		fmt.Printf("%-20s %-16s %-10s version=%-10s%s\n",
			inst.ServiceName.String(), inst.InstanceID.String(), inst.Status, inst.Version, sticky)
	}
}
