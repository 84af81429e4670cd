// Command ssserver runs the Shadowsocks relay core: it loads a
// configuration, wires the logger, event bus, statistics registry and
// resolver together, and serves until SIGINT/SIGTERM triggers a graceful
// shutdown — in the signal-handling style of the teacher's main.go,
// narrowed to the relay's own lifecycle rather than a full VPN panel.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chengchnegcheng/ssrelay/internal/config"
	"github.com/chengchnegcheng/ssrelay/internal/events"
	"github.com/chengchnegcheng/ssrelay/internal/logger"
	"github.com/chengchnegcheng/ssrelay/internal/relay"
	"github.com/chengchnegcheng/ssrelay/internal/resolver"
	"github.com/chengchnegcheng/ssrelay/internal/stats"
)

func main() {
	configPath := flag.String("c", "", "path to JSON configuration file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ssserver: config error:", err)
		os.Exit(1)
	}
	level := logger.Info
	if *verbose || cfg.Verbose {
		level = logger.Debug
	}
	log := logger.NewWithConfig(logger.Config{Level: level, Console: true})
	defer log.Close()

	bus := events.NewBus()
	sink := events.NewLogSink(bus, log)
	defer sink.Stop()

	registry := stats.NewRegistry(time.Now())

	res, err := resolver.NewDNSResolver(nil, 64)
	if err != nil {
		log.Fatal("failed to construct resolver", logger.Fields{"error": err.Error()})
	}

	listenAddr := net.JoinHostPort(cfg.Server, fmt.Sprintf("%d", cfg.ServerPort))
	r, err := relay.New(relay.Params{
		ListenAddr:  listenAddr,
		Method:      cfg.Method,
		Password:    []byte(cfg.Password),
		MaxConns:    cfg.MaxConnections,
		IdleTimeout: cfg.IdleTimeout(),
		DialTimeout: cfg.TargetDialTimeout(),
		Resolver:    res,
		Registry:    registry,
		Bus:         bus,
	})
	if err != nil {
		log.Fatal("failed to start relay", logger.Fields{"error": err.Error()})
	}

	log.Info("listening", logger.Fields{"addr": listenAddr, "method": cfg.Method, "max_connections": cfg.MaxConnections})

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("relay stopped", logger.Fields{"error": err.Error()})
		}
	case sig := <-sigCh:
		log.Info("received signal, shutting down", logger.Fields{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			log.Error("shutdown error", logger.Fields{"error": err.Error()})
		}
	}
}
