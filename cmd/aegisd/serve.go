package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/aegis/internal/runtime"
	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/internal/transport/natsbroker"
	"github.com/cuemby/aegis/pkg/aegisconfig"
	"github.com/cuemby/aegis/pkg/aegislog"
	"github.com/cuemby/aegis/pkg/aegistypes"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run this service instance until stopped",
	Long: `serve registers this instance with the service registry, optionally
contends for sticky-active leadership within a group, and starts the
heartbeat and messaging loops. It runs until SIGINT or SIGTERM, then
deregisters and releases any held leadership before exiting.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "optional YAML config file overlaying the environment")
	serveCmd.Flags().Bool("embedded", false, "use the in-process embedded transport instead of AEGIS_BROKER_URL")
	serveCmd.Flags().Bool("single-active", false, "contend for sticky-active leadership within --group")
	serveCmd.Flags().String("group", "default", "election group when --single-active is set")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	useEmbedded, _ := cmd.Flags().GetBool("embedded")
	singleActive, _ := cmd.Flags().GetBool("single-active")
	group, _ := cmd.Flags().GetString("group")

	if useEmbedded {
		applyEmbeddedDefaults()
	}

	cfg, err := aegisconfig.Load(configPath)
	if err != nil {
		return withExitCode(exitConfigError, err)
	}
	if useEmbedded {
		cfg.BrokerURL = "embedded"
	}

	service, err := aegistypes.NewServiceName(cfg.ServiceName)
	if err != nil {
		return withExitCode(exitConfigError, err)
	}
	instance, err := aegistypes.NewInstanceId(cfg.InstanceID)
	if err != nil {
		return withExitCode(exitConfigError, err)
	}

	log := aegislog.WithInstance(service.String(), instance.String())

	var t transport.Transport
	if cfg.BrokerURL == "embedded" {
		t = embedded.New()
		log.Info().Msg("aegisd: running against the embedded in-process transport")
	} else {
		t = natsbroker.New(cfg.BrokerURL, log)
	}

	rt, err := runtime.New(service, instance, runtime.Options{
		Transport: t, Config: cfg, SingleActive: singleActive, Group: group, Version: Version,
	})
	if err != nil {
		return withExitCode(exitRuntimeError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		return withExitCode(exitRuntimeError, err)
	}
	log.Info().Str("service", service.String()).Str("instance_id", instance.String()).
		Bool("single_active", singleActive).Msg("aegisd: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("aegisd: shutting down")

	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		return withExitCode(exitRuntimeError, err)
	}

	if sig == os.Interrupt {
		return withExitCode(exitInterrupted, errInterrupted)
	}
	return nil
}

// applyEmbeddedDefaults fills in the environment variables --embedded demo
// mode needs but a one-off local run usually hasn't set, so `aegisd serve
// --embedded` works with no environment configured at all.
func applyEmbeddedDefaults() {
	setEnvDefault("AEGIS_BROKER_URL", "embedded")
	setEnvDefault("AEGIS_SERVICE_NAME", "aegisd-demo")
}

func setEnvDefault(key, value string) {
	if os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}

var errInterrupted = errors.New("interrupted")
