// Command mbeand serves an in-memory MBean server over TCP.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mbean-remoting/config"
	"mbean-remoting/mbean"
	"mbean-remoting/middleware"
	"mbean-remoting/registry"
	"mbean-remoting/server"
)

func main() {
	flags := gnuflag.NewFlagSet("mbeand", gnuflag.ExitOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	listen := flags.String("listen", "", "listen address, overrides server.listen")
	_ = flags.Parse(true, os.Args[1:])

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "mbeand: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return errors.Trace(err)
	}
	defer logger.Sync()

	beans := mbean.NewServer(cfg.Server.Domain, mbean.WithLogger(logger))
	if _, err := beans.RegisterMBean(mbean.RuntimeName, mbean.NewRuntimeBean(clock.WallClock)); err != nil {
		return errors.Trace(err)
	}

	reg, err := mbean.NewRegistry()
	if err != nil {
		return errors.Trace(err)
	}
	metrics := server.NewCollector()
	srv := server.NewServer(reg,
		server.WithLogger(logger),
		server.WithCodec(config.CodecType(cfg.Server.Codec)),
		server.WithHeartbeat(cfg.Server.HeartbeatInterval.D()),
		server.WithIdleTimeout(cfg.Server.IdleTimeout.D()),
		server.WithLeaseTTL(cfg.Etcd.LeaseTTL),
		server.WithMetrics(metrics),
	)
	for _, tag := range append([]string{""}, cfg.Server.Routing...) {
		if err := srv.Register(tag, beans); err != nil {
			return errors.Trace(err)
		}
	}

	srv.Use(middleware.LoggingMiddleware(logger))
	if rl := cfg.Server.RateLimit; rl.RPS > 0 {
		srv.Use(middleware.RateLimitMiddleware(rl.RPS, rl.Burst))
	}
	if d := cfg.Server.HandlerTimeout.D(); d > 0 {
		srv.Use(middleware.TimeOutMiddleware(d))
	}

	var dir registry.Registry
	if cfg.Etcd.Enabled() {
		if cfg.Server.Advertise == "" {
			return errors.NotValidf("etcd advertisement without server.advertise")
		}
		etcd, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.D(), logger)
		if err != nil {
			return errors.Trace(err)
		}
		defer etcd.Close()
		dir = etcd
	}

	if cfg.Server.Metrics != "" {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Server.Metrics, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, dir)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return errors.Trace(err)
	case s := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", s))
	}
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout.D()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(<-serveErr)
}
