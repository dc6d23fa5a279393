// Command knot-gatewayd runs one industrial-to-cloud gateway session: it
// reads a YAML device/sensor declaration, dials the Modbus slave and the
// cloud bus, and drives the registration/authentication/schema/online state
// machine until asked to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agms-cesar/knot-virtualthing/internal/cloudbus"
	"github.com/agms-cesar/knot-virtualthing/internal/config"
	"github.com/agms-cesar/knot-virtualthing/internal/credstore"
	"github.com/agms-cesar/knot-virtualthing/internal/gateway"
	"github.com/agms-cesar/knot-virtualthing/internal/modbusio"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var metricsAddr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "knot-gatewayd",
		Short: "Industrial-to-cloud Modbus gateway control plane",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one gateway session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, metricsAddr, logLevel)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "/etc/knot/gateway.yaml", "path to the gateway's YAML configuration")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve Prometheus metrics on")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd)
	return cmd
}

func run(ctx context.Context, configPath, metricsAddr, logLevel string) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	sensors, err := config.ParseSensors(file)
	if err != nil {
		return err
	}

	device := &gateway.Device{
		Name:            file.DeviceName,
		CloudURL:        file.CloudURL,
		ModbusSlaveID:   file.ModbusSlaveID,
		ModbusSlaveURL:  file.ModbusSlaveURL,
		CredentialsPath: file.CredentialsPath,
	}

	creds := credstore.New(file.CredentialsPath)
	if id, token, err := creds.Load(); err != nil {
		log.WithError(err).Warn("loading stored credentials; starting cold")
	} else if id != "" {
		device.ID = id
		device.Token = token
		entry.WithField("device_id", id).Info("recovered credentials from a prior session")
	}

	if err := device.EnsureID(); err != nil {
		return err
	}

	registry := gateway.NewRegistry()
	for _, s := range sensors {
		registry.Insert(s.ID, s.Schema, s.Config, s.Source, time.Duration(s.PollSecs)*time.Second)
	}

	modbusClient := modbusio.NewClient(modbusio.Config{
		Address: file.ModbusSlaveURL,
		UnitID:  uint8(device.ModbusSlaveID),
		Log:     entry,
	})

	cloud := cloudbus.New(cloudbus.Config{
		Addr:     file.CloudURL,
		DeviceID: device.ID,
		Log:      entry,
	})

	gw := gateway.New(device, registry, modbusClient, cloud, creds, entry)
	gw.Metrics = gateway.NewMetrics()

	wireModbusCallbacks(modbusClient, gw)
	if err := modbusClient.Dial(ctx); err != nil {
		cloud.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := config.NewWatcher(configPath, entry)
	if err != nil {
		return err
	}
	defer watcher.Close()
	reloads, err := watcher.Watch(runCtx)
	if err != nil {
		return err
	}
	go watchConfigReloads(entry, gw, reloads)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gw.Metrics.Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("metrics server stopped")
		}
	}()

	sigCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// TODO: wire real Redis connect/disconnect into NotifyCloudUp, the way
	// wireModbusCallbacks does for the Modbus link; until then the CLOUD
	// connectivity bit never reflects an actual cloud outage.
	gw.NotifyCloudUp(true)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(sigCtx) }()

	var runErr error
	select {
	case <-sigCtx.Done():
		entry.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			entry.WithError(runErr).Error("gateway run loop exited with an error")
		}
	}

	gw.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("shutting down metrics server")
	}

	return runErr
}

// wireModbusCallbacks connects the Modbus client's connect/disconnect
// reporting to the gateway's connectivity tracker.
func wireModbusCallbacks(c *modbusio.Client, gw *gateway.Gateway) {
	c.SetCallbacks(
		func() { gw.NotifyModbusUp(true) },
		func() { gw.NotifyModbusUp(false) },
	)
}

// watchConfigReloads applies hot-reloaded sensor declarations to the live
// gateway. Sensors already present are left untouched — a schema change on
// a live sensor is rejected, since the schema was already declared to the
// cloud and is immutable for the session — but a newly added sensor is
// inserted into the registry and armed for polling immediately.
func watchConfigReloads(log *logrus.Entry, gw *gateway.Gateway, reloads <-chan *config.File) {
	for f := range reloads {
		sensors, err := config.ParseSensors(f)
		if err != nil {
			log.WithError(err).Warn("ignoring reloaded configuration: failed to parse sensors")
			continue
		}
		added := 0
		for _, s := range sensors {
			if gw.Registry.Lookup(s.ID) != nil {
				continue
			}
			interval := time.Duration(s.PollSecs) * time.Second
			gw.Registry.Insert(s.ID, s.Schema, s.Config, s.Source, interval)
			gw.Poller.Arm(s.ID, interval)
			added++
		}
		log.WithField("added_sensors", added).Info("applied reloaded configuration")
	}
}
