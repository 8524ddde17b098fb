// Package config holds the daemon configuration shared by celltun-csp and
// celltun-ssp. Options come from --name=value flags or from a config file of
// name=value lines; the two must not be mixed, and when a config file is
// given it wins entirely.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mickamy/celltun/carrier"
	"github.com/mickamy/celltun/cell"
)

// Role selects which daemon is being configured; several keys only make
// sense on one side.
type Role int

const (
	CSP Role = iota
	SSP
)

// Default listen ports when --port is not given.
const (
	DefaultCSPPort = 1080
	DefaultSSPPort = 7750
)

// Config is the full daemon configuration.
type Config struct {
	// SSP is the server-side proxy as host:port. Client side only; its
	// presence is what makes a transport proxy the client side.
	SSP string
	// Port is the listen port: SOCKS5 clients on the CSP, carriers on the SSP.
	Port int
	// TorSocksPort, when non-zero, makes the CSP dial the SSP through a
	// local Tor SOCKS proxy on this port.
	TorSocksPort int

	// IntervalMS is our own Tamaraw packet interval in milliseconds.
	IntervalMS int
	// SSPIntervalMS is the packet interval the CSP asks the SSP to use.
	SSPIntervalMS int
	// L is the Tamaraw stopping modulus.
	L int
	// TimeLimitSecs bounds a defense session in seconds.
	TimeLimitSecs int

	// AutoStart arms auto-start-defense-session-on-next-send whenever the
	// tunnel becomes ready. Client side only.
	AutoStart bool
	// WriteFileOnDone is a path to write a single byte to each time a
	// defense session completes. Client side only.
	WriteFileOnDone string
	// ExitOnDone makes the CSP log its counters and exit after a defense
	// session completes. Client side only.
	ExitOnDone bool
	// Reconnect re-establishes the tunnel when the carrier closes
	// unexpectedly. Client side only.
	Reconnect bool

	// ControlAddr is the operator HTTP API listen address; empty disables it.
	ControlAddr string
}

// yesNo is a flag.Value accepting the literal strings "yes" and "no".
type yesNo struct{ v *bool }

func (y yesNo) String() string {
	if y.v != nil && *y.v {
		return "yes"
	}
	return "no"
}

func (y yesNo) Set(s string) error {
	switch s {
	case "yes":
		*y.v = true
	case "no":
		*y.v = false
	default:
		return fmt.Errorf("use yes or no, got %q", s)
	}
	return nil
}

// RegisterFlags wires the configuration keys onto fs.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.SSP, "ssp", "", "server-side proxy host:port (client side only)")
	fs.IntVar(&c.Port, "port", 0, "listen port (default: 1080 client side, 7750 server side)")
	fs.IntVar(&c.TorSocksPort, "tor-socks-port", 0, "local Tor SOCKS port to tunnel the carrier through")
	fs.IntVar(&c.IntervalMS, "tamaraw-packet-interval", 0, "packet interval in ms (0, 5, 20, 50, 75, 100, 125)")
	fs.IntVar(&c.SSPIntervalMS, "ssp-tamaraw-packet-interval", 0, "packet interval to request from the server side")
	fs.IntVar(&c.L, "tamaraw-L", 0, "stopping modulus (0, 50, 100, 150, 200, 250, 300)")
	fs.IntVar(&c.TimeLimitSecs, "tamaraw-time-limit-secs", 0, "defense session time limit in seconds")
	fs.Var(yesNo{&c.AutoStart}, "auto-start-defense-session-on-next-send", "yes|no: start defending on the next carrier send")
	fs.StringVar(&c.WriteFileOnDone, "write-file-on-a-defense-session-done", "", "file to write a byte to when a defense session is done")
	fs.Var(yesNo{&c.ExitOnDone}, "exit-on-a-defense-session-done", "yes|no: exit after a defense session is done")
	fs.Var(yesNo{&c.Reconnect}, "reconnect-on-carrier-close", "yes|no: re-establish the tunnel when the carrier closes")
	fs.StringVar(&c.ControlAddr, "control", "", "operator HTTP API listen address (e.g. 127.0.0.1:9091)")
}

// LoadFile replaces c with the configuration read from a name=value file.
// Unknown names are ignored, like unknown command-line options.
func LoadFile(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	*c = Config{}
	fs := flag.NewFlagSet("config-file", flag.ContinueOnError)
	RegisterFlags(fs, c)

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, value, ok := strings.Cut(text, "=")
		if !ok {
			return fmt.Errorf("config: %s:%d: expected name=value, got %q", path, line, text)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if fs.Lookup(name) == nil {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("config: %s:%d: %s: %w", path, line, name, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for the given role and fills in the
// default listen port.
func (c *Config) Validate(role Role) error {
	if role == CSP && c.SSP == "" {
		return fmt.Errorf("config: the client side needs --ssp=host:port")
	}
	if role == SSP {
		if c.SSP != "" {
			return fmt.Errorf("config: the server side does not take --ssp")
		}
		if c.SSPIntervalMS != 0 {
			return fmt.Errorf("config: the server side does not take --ssp-tamaraw-packet-interval")
		}
		if c.AutoStart {
			return fmt.Errorf("config: the server side does not take --auto-start-defense-session-on-next-send")
		}
		if c.WriteFileOnDone != "" {
			return fmt.Errorf("config: the server side does not take --write-file-on-a-defense-session-done")
		}
		if c.ExitOnDone {
			return fmt.Errorf("config: the server side does not take --exit-on-a-defense-session-done")
		}
		if c.Reconnect {
			return fmt.Errorf("config: the server side does not take --reconnect-on-carrier-close")
		}
		if c.TorSocksPort != 0 {
			return fmt.Errorf("config: the server side does not take --tor-socks-port")
		}
	}

	if !carrier.ValidIntervalMS(c.IntervalMS) {
		return fmt.Errorf("config: unsupported tamaraw-packet-interval %d", c.IntervalMS)
	}
	if !carrier.ValidIntervalMS(c.SSPIntervalMS) {
		return fmt.Errorf("config: unsupported ssp-tamaraw-packet-interval %d", c.SSPIntervalMS)
	}
	if !carrier.ValidL(c.L) {
		return fmt.Errorf("config: unsupported tamaraw-L %d", c.L)
	}

	// Using any Tamaraw option means all of them must be set.
	usesTamaraw := c.AutoStart || c.IntervalMS != 0 || c.L != 0 || c.TimeLimitSecs != 0
	if usesTamaraw {
		if c.IntervalMS == 0 {
			return fmt.Errorf("config: tamaraw-packet-interval is required to use tamaraw")
		}
		if c.L == 0 {
			return fmt.Errorf("config: tamaraw-L is required to use tamaraw")
		}
		if c.TimeLimitSecs == 0 {
			return fmt.Errorf("config: tamaraw-time-limit-secs is required to use tamaraw")
		}
	}

	if c.Port == 0 {
		if role == CSP {
			c.Port = DefaultCSPPort
		} else {
			c.Port = DefaultSSPPort
		}
	}
	return nil
}

// CarrierParams derives the carrier parameters for the given role. Cells are
// used exactly when a packet interval is configured.
func (c *Config) CarrierParams(role Role) carrier.Params {
	cellSize := 0
	if c.IntervalMS > 0 {
		cellSize = cell.Size
	}
	p := carrier.Params{
		CellSize:  cellSize,
		Interval:  time.Duration(c.IntervalMS) * time.Millisecond,
		L:         c.L,
		TimeLimit: time.Duration(c.TimeLimitSecs) * time.Second,
	}
	if role == CSP {
		p.RequestL = c.L
		p.RequestInterval = time.Duration(c.SSPIntervalMS) * time.Millisecond
	}
	return p
}
