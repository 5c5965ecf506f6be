// Command netrepdemo wires the core replication engine end to end over
// a minimal UDP transport, adapted from the teacher's core/main.go
// banner/config/signal-handling structure and source/server/server.go's
// listen loop. It is a wiring demonstration, not a production server:
// see netrep/transport's package doc for the scope boundary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"netrep"
	"netrep/conn"
	"netrep/config"
	"netrep/metrics"
	"netrep/pkg/netlog"
	"netrep/registry"
)

const version = "0.1.0"

func main() {
	mode := pflag.String("mode", "server", "server or client")
	addr := pflag.String("addr", "0.0.0.0:7777", "listen address (server) or remote address (client)")
	configPath := pflag.String("config", "", "path to a TOML config file (defaults are used if empty)")
	pflag.Parse()

	netlog.Banner("netrep replication engine", version)

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			netlog.Fatal("load config", zap.Error(err))
		}
		cfg = loaded
	}

	reg := demoRegistry()
	metricsReg := metrics.New(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		netlog.Warn("shutting down")
		cancel()
	}()

	var err error
	switch *mode {
	case "server":
		err = runServer(ctx, reg, cfg, *addr, metricsReg)
	case "client":
		err = runClient(ctx, reg, cfg, *addr, metricsReg)
	default:
		netlog.Fatal("unknown mode, expected server or client")
	}
	if err != nil {
		netlog.Fatal("exited with error", zap.Error(err))
	}
	_ = netlog.Sync()
}

func runServer(ctx context.Context, reg *registry.Registry, cfg config.Config, listenAddr string, metricsReg *metrics.Registry) error {
	netlog.Section("netrep server")
	srv := conn.NewServer(reg, cfg)
	srv.SetMetrics(metricsReg)
	session := newHandshakeSession(func() netrep.ClientID { return netrep.ClientID(uuid.New().ID()) })
	tr, err := newUDPServerTransport(listenAddr, session)
	if err != nil {
		return err
	}
	defer tr.Close()

	world := newDemoWorld()
	ticker := time.NewTicker(cfg.Clock.TickDuration())
	defer ticker.Stop()

	var tick netrep.Tick
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			srv.SyncSession(session)
			now := time.Now()
			if err := srv.PumpTransport(now, tr); err != nil {
				netlog.Warn("pump transport", zap.Error(err))
			}
			if err := srv.UpdateAll(ctx, now, tick, world); err != nil {
				netlog.Warn("update all", zap.Error(err))
			}
			metricsReg.ConnectionsActive.Set(float64(len(srv.Connected())))
		}
	}
}

func runClient(ctx context.Context, reg *registry.Registry, cfg config.Config, remoteAddr string, metricsReg *metrics.Registry) error {
	netlog.Section("netrep client")
	m := conn.NewClient(reg, cfg)
	m.SetMetrics(metricsReg)
	tr, err := newUDPClientTransport(remoteAddr)
	if err != nil {
		return err
	}
	defer tr.Close()

	world := newDemoWorld()
	ticker := time.NewTicker(cfg.Clock.TickDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			for {
				data, ok, err := tr.Recv()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if _, err := m.RecvPacket(now, data); err != nil {
					netlog.Warn("recv packet", zap.Error(err))
				}
			}
			if err := m.Receive(m.Clock().Tick(), world); err != nil {
				netlog.Warn("receive", zap.Error(err))
			}
			if err := m.Update(now); err != nil {
				netlog.Warn("connection", zap.Error(err))
				return nil
			}
			for _, pkt := range m.SendPackets(now) {
				if err := tr.Send(pkt); err != nil {
					return err
				}
			}
		}
	}
}
