// Command coapd runs a standalone CoAP server over UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coapserver/internal/config"
	"coapserver/internal/resource"
	"coapserver/internal/server"
	"coapserver/internal/telemetry/log"
	"coapserver/internal/telemetry/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "path to a TOML config file (defaults baked in if omitted)")
	host := flag.String("host", "", "override bind host")
	port := flag.Int("port", 0, "override bind port")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *host != "" {
		cfg.BindHost = *host
	}
	if *port != 0 {
		cfg.BindPort = *port
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		os.Exit(1)
	}

	logger := log.NewFromLevelName(cfg.LogLevel)
	metricsReg := metrics.New()
	registry := resource.NewMapRegistry()

	srv := server.New(cfg, registry, logger, metricsReg)
	seedWellKnownResources(srv)

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx, addr); err != nil {
		logger.WithField("addr", addr).WithError(err).Fatal("coap server failed to start")
	}

	if *cfgPath != "" {
		watcher, err := config.Watch(*cfgPath, func(next *config.ServerConfig) {
			logger.Info("config file changed; restart coapd to apply")
		})
		if err == nil {
			defer watcher.Close()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Lifetime())
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during shutdown")
		os.Exit(1)
	}
}

// seedWellKnownResources registers the handful of demo resources that the
// end-to-end tests also register for themselves: a plain text resource
// and an observable counter, both discoverable at /.well-known/core.
func seedWellKnownResources(srv *server.Server) {
	_ = srv.AddResource("/hello", &resource.Resource{
		Path:          "/hello",
		ContentFormat: 0, // text/plain
		Payload:       []byte("hello, world"),
	})
	_ = srv.AddResource("/obs/counter", &resource.Resource{
		Path:          "/obs/counter",
		ContentFormat: 0,
		Observable:    true,
		Payload:       []byte("0"),
	})
}
