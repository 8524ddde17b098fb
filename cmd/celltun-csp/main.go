// celltun-csp is the client-side transport proxy: it terminates SOCKS5 from
// the browser and tunnels each connection to a celltun-ssp over a single
// shaped carrier connection.
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
	"github.com/mickamy/celltun/proxy"
	"github.com/mickamy/celltun/proxy/csp"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("celltun-csp", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "celltun-csp — client-side traffic-shaping tunnel proxy\n\nUsage:\n  celltun-csp [flags]\n\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSignals:\n  SIGUSR1  close all client streams\n  SIGUSR2  request defense stop\n  SIGTERM  log counters and exit\n")
	}

	var cfg config.Config
	config.RegisterFlags(fs, &cfg)
	confPath := fs.String("conf", "", "config file with name=value lines; replaces all other flags")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("celltun-csp %s\n", version)
		return
	}

	if *confPath != "" {
		log.Printf("configuring from %s; other command-line options are ignored", *confPath)
		if err := config.LoadFile(*confPath, &cfg); err != nil {
			log.Fatal(err)
		}
	}
	if err := cfg.Validate(config.CSP); err != nil {
		log.Fatal(err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	torAddr := ""
	if cfg.TorSocksPort > 0 {
		torAddr = fmt.Sprintf("127.0.0.1:%d", cfg.TorSocksPort)
		log.Printf("tunneling carrier through tor at %s", torAddr)
	}

	p := csp.New(csp.Config{
		ListenAddr:       fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		SSPAddr:          cfg.SSP,
		TorSocksAddr:     torAddr,
		Params:           cfg.CarrierParams(config.CSP),
		AutoStartDefense: cfg.AutoStart,
		ReconnectOnClose: cfg.Reconnect,
	})
	defer func() { _ = p.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(p.Stats))
	ctl := control.New(p, p.Stats, reg)

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

	fatal := make(chan error, 1)
	go func() {
		for ev := range p.Events() {
			ctl.Publish(ev)
			switch ev.Kind {
			case proxy.DefenseSessionDone:
				if cfg.WriteFileOnDone != "" {
					// Reopen the file every time rather than holding a
					// descriptor; watchers react to the modification.
					if err := os.WriteFile(cfg.WriteFileOnDone, []byte{'1'}, 0o644); err != nil {
						log.Printf("write %s: %v", cfg.WriteFileOnDone, err)
					}
				}
				if cfg.ExitOnDone {
					log.Printf("defense session done; exiting as instructed")
					logStats(p.Stats())
					os.Exit(0)
				}
			case proxy.TunnelClosed:
				if ev.Err != nil && !cfg.Reconnect {
					fatal <- fmt.Errorf("carrier closed: %w", ev.Err)
					return
				}
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case err := <-serveErr:
			return err
		case err := <-fatal:
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				log.Printf("received SIGUSR1; closing all client streams")
				p.CloseAllStreams()
			case syscall.SIGUSR2:
				log.Printf("received SIGUSR2; requesting defense stop")
				p.StopDefense(false)
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("received %s; logging counters and exiting", sig)
				logStats(p.Stats())
				return nil
			}
		}
	}
}

func logStats(s carrier.Stats) {
	log.Printf("send: all=%d useful=%d dummy cells=%d avoided=%d",
		s.AllSendBytes, s.UsefulSendBytes, s.DummySendCells, s.DummyCellsAvoided)
	log.Printf("recv: all=%d useful=%d dummy cells=%d",
		s.AllRecvBytes, s.UsefulRecvBytes, s.DummyRecvCells)
}
