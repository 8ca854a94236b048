// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command zoned is the control-plane daemon: it opens the hypercall gate
// and configuration store, loads or mints its host identity, and runs the
// Zone Reconciler until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/channel"
	"github.com/zoneforge/zoned/pkg/config"
	"github.com/zoneforge/zoned/pkg/devicemgr"
	"github.com/zoneforge/zoned/pkg/domainbuilder"
	"github.com/zoneforge/zoned/pkg/eventbus"
	"github.com/zoneforge/zoned/pkg/gnttab"
	"github.com/zoneforge/zoned/pkg/hypercall"
	"github.com/zoneforge/zoned/pkg/ipam"
	"github.com/zoneforge/zoned/pkg/metrics"
	"github.com/zoneforge/zoned/pkg/netdev"
	"github.com/zoneforge/zoned/pkg/reconciler"
	"github.com/zoneforge/zoned/pkg/xenstore"
	"github.com/zoneforge/zoned/pkg/zone"
)

// version is overridden via ldflags at release build time.
var version = "0.1.0"

// shutdownTimeout bounds how long the metrics server is given to drain
// in-flight scrapes once the reconciler loop returns.
const shutdownTimeout = 5 * time.Second

var (
	configPath   = flag.String("config", "", "Path to the daemon's TOML config file; probes the well-known default paths if unset.")
	metricsAddr  = flag.String("metrics-address", "127.0.0.1:9100", "Address to serve /metrics on.")
	logLevelFlag = flag.String("log-level", "", "Override the configured log level (trace/debug/info/warn/error).")
	printVersion = flag.Bool("version", false, "Print the daemon version and exit.")
)

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Printf("zoned version %s (%s/%s)\n", version, goruntime.GOOS, goruntime.GOARCH)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}

	log := config.NewLogger(cfg.LogLevel)
	logrus.SetLevel(log.Logger.Level)
	logrus.SetFormatter(log.Logger.Formatter)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("zoned exited with error")
	}
}

// loadConfig loads configPath if given, otherwise probes the well-known
// default paths, falling back to an all-defaults Config rather than
// refusing to start over a missing optional file.
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.Load(explicitPath)
	}
	cfg, err := config.LoadFirst(config.DefaultConfigPaths...)
	if err != nil {
		return config.Default(), nil
	}
	return cfg, nil
}

func run(cfg *config.Config, log *logrus.Entry) error {
	log.WithFields(logrus.Fields{
		"version":           version,
		"hypercall_device":  cfg.Host.HypercallDevice,
		"store_socket_path": cfg.Host.StoreSocketPath,
		"state_dir":         cfg.Host.StateDir,
	}).Info("starting zoned")

	hostUUID, err := hostIdentity(cfg.Host.UUID, log)
	if err != nil {
		return err
	}

	ipv4Net, ipv6Net, err := hostNetworks(cfg.Host)
	if err != nil {
		return err
	}

	gate, err := hypercall.Open(cfg.Host.HypercallDevice, 0)
	if err != nil {
		return errors.Wrap(err, "opening hypercall gate")
	}
	defer gate.Close()

	xs, err := xenstore.OpenAt(cfg.Host.StoreSocketPath, "/dev/xen/xenbus")
	if err != nil {
		return errors.Wrap(err, "opening store client")
	}
	defer xs.Close()

	store, err := zone.NewStore(cfg.Host.StateDir)
	if err != nil {
		return errors.Wrap(err, "opening zone store")
	}
	lookup := zone.NewLookup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	vendor, err := ipam.New(ctx, xs, ipam.HostUUID, ipv4Net, ipv6Net)
	if err != nil {
		return errors.Wrap(err, "initializing ip reservation")
	}

	devices := devicemgr.New()
	events := eventbus.New()
	netdevMgr := netdev.New()

	builderCfg := domainbuilder.DefaultConfig()
	builder := domainbuilder.NewBuilder(gate, xs, builderCfg)

	runtime := reconciler.NewHypercallRuntime(gate, xs)
	rec := reconciler.New(cfg.Reconcile, hostUUID, store, lookup, runtime, builder, vendor, devices, events, xs, netdevMgr)

	grants, err := gnttab.Open(cfg.Host.GrantDevice)
	if err != nil {
		return errors.Wrap(err, "opening grant device")
	}
	defer grants.Close()
	console := channel.NewService(xs, gate, grants, "console", nil)

	metrics.Register()
	metricsSrv := newMetricsServer(*metricsAddr)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server exited unexpectedly")
		}
	}()
	go func() {
		if err := console.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("console channel service exited unexpectedly")
		}
	}()

	runErr := rec.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server did not shut down cleanly")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("zoned stopped")
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

// hostIdentity parses the configured host uuid, minting and warning about
// an ephemeral one if the config leaves it unset; an ephemeral identity
// means zones this process reconciles will be stamped with a different
// HostUUID across restarts.
func hostIdentity(configured string, log *logrus.Entry) (uuid.UUID, error) {
	if configured == "" {
		id := uuid.New()
		log.WithField("host_uuid", id).Warn("host.uuid unset, minted an ephemeral identity for this run")
		return id, nil
	}
	id, err := uuid.Parse(configured)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "parsing host.uuid")
	}
	return id, nil
}

func hostNetworks(host config.HostConfig) (*net.IPNet, *net.IPNet, error) {
	if host.IPv4CIDR == "" || host.IPv6CIDR == "" {
		return nil, nil, errors.New("host.ipv4_cidr and host.ipv6_cidr must both be configured")
	}
	_, ipv4Net, err := net.ParseCIDR(host.IPv4CIDR)
	if err != nil {
		return nil, nil, errors.Wrap(err, "host.ipv4_cidr")
	}
	_, ipv6Net, err := net.ParseCIDR(host.IPv6CIDR)
	if err != nil {
		return nil, nil, errors.Wrap(err, "host.ipv6_cidr")
	}
	return ipv4Net, ipv6Net, nil
}
