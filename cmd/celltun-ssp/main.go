// celltun-ssp is the server-side transport proxy: it accepts shaped carrier
// connections from celltun-csp instances and forwards their multiplexed
// streams to real target hosts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickamy/celltun/carrier"
	"github.com/mickamy/celltun/config"
	"github.com/mickamy/celltun/control"
	"github.com/mickamy/celltun/metrics"
	"github.com/mickamy/celltun/proxy/ssp"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("celltun-ssp", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "celltun-ssp — server-side traffic-shaping tunnel proxy\n\nUsage:\n  celltun-ssp [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var cfg config.Config
	config.RegisterFlags(fs, &cfg)
	confPath := fs.String("conf", "", "config file with name=value lines; replaces all other flags")
	logLatency := fs.Bool("ssp-log-outer-connect-latency", false, "log per-target connect latency")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("celltun-ssp %s\n", version)
		return
	}

	if *confPath != "" {
		log.Printf("configuring from %s; other command-line options are ignored", *confPath)
		if err := config.LoadFile(*confPath, &cfg); err != nil {
			log.Fatal(err)
		}
	}
	if err := cfg.Validate(config.SSP); err != nil {
		log.Fatal(err)
	}

	if err := run(cfg, *logLatency); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config, logLatency bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := ssp.New(ssp.Config{
		ListenAddr:        fmt.Sprintf(":%d", cfg.Port),
		Params:            cfg.CarrierParams(config.SSP),
		LogConnectLatency: logLatency,
	})
	defer func() { _ = p.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(p.Stats))
	ctl := control.New(nil, p.Stats, reg)

	if cfg.ControlAddr != "" {
		var lc net.ListenConfig
		lis, err := lc.Listen(ctx, "tcp", cfg.ControlAddr)
		if err != nil {
			return fmt.Errorf("listen control %s: %w", cfg.ControlAddr, err)
		}
		go func() {
			log.Printf("control API listening on %s", cfg.ControlAddr)
			if err := ctl.Serve(lis); err != nil {
				log.Printf("control serve: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ctl.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		for ev := range p.Events() {
			ctl.Publish(ev)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		log.Printf("received %s; logging counters and exiting", sig)
		logStats(p.Stats())
		return nil
	}
}

func logStats(s carrier.Stats) {
	log.Printf("send: all=%d useful=%d dummy cells=%d avoided=%d",
		s.AllSendBytes, s.UsefulSendBytes, s.DummySendCells, s.DummyCellsAvoided)
	log.Printf("recv: all=%d useful=%d dummy cells=%d",
		s.AllRecvBytes, s.UsefulRecvBytes, s.DummyRecvCells)
}
