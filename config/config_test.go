package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mickamy/celltun/cell"
	"github.com/mickamy/celltun/config"
)

func parse(t *testing.T, args ...string) config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c config.Config
	config.RegisterFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return c
}

func TestFlagNames(t *testing.T) {
	t.Parallel()
	c := parse(t,
		"--ssp=ssp.example.net:7750",
		"--port=2080",
		"--tor-socks-port=9050",
		"--tamaraw-packet-interval=20",
		"--ssp-tamaraw-packet-interval=5",
		"--tamaraw-L=100",
		"--tamaraw-time-limit-secs=30",
		"--auto-start-defense-session-on-next-send=yes",
		"--write-file-on-a-defense-session-done=/tmp/done",
		"--exit-on-a-defense-session-done=no",
	)

	if c.SSP != "ssp.example.net:7750" || c.Port != 2080 || c.TorSocksPort != 9050 {
		t.Errorf("addresses: %+v", c)
	}
	if c.IntervalMS != 20 || c.SSPIntervalMS != 5 || c.L != 100 || c.TimeLimitSecs != 30 {
		t.Errorf("tamaraw params: %+v", c)
	}
	if !c.AutoStart || c.WriteFileOnDone != "/tmp/done" || c.ExitOnDone {
		t.Errorf("done options: %+v", c)
	}
}

func TestYesNoRejectsOtherValues(t *testing.T) {
	t.Parallel()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c config.Config
	config.RegisterFlags(fs, &c)
	if err := fs.Parse([]string{"--auto-start-defense-session-on-next-send=true"}); err == nil {
		t.Error("expected an error for a non yes/no value")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "celltun.conf")
	content := `# carrier
ssp = ssp.example.net:7750
tamaraw-packet-interval = 20
tamaraw-L = 100
tamaraw-time-limit-secs = 30

# ignored by older binaries
some-future-option = whatever
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var c config.Config
	if err := config.LoadFile(path, &c); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.SSP != "ssp.example.net:7750" || c.IntervalMS != 20 || c.L != 100 || c.TimeLimitSecs != 30 {
		t.Errorf("loaded config: %+v", c)
	}
}

func TestValidateAllOrNone(t *testing.T) {
	t.Parallel()
	c := parse(t, "--ssp=host:1", "--tamaraw-packet-interval=20")
	if err := c.Validate(config.CSP); err == nil {
		t.Error("expected an error for partial tamaraw params")
	}

	c = parse(t, "--ssp=host:1",
		"--tamaraw-packet-interval=20", "--tamaraw-L=100", "--tamaraw-time-limit-secs=30")
	if err := c.Validate(config.CSP); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if c.Port != config.DefaultCSPPort {
		t.Errorf("default port: got %d, want %d", c.Port, config.DefaultCSPPort)
	}
}

func TestValidateRejectsClientOnlyKeysOnServer(t *testing.T) {
	t.Parallel()
	cases := [][]string{
		{"--ssp=host:1"},
		{"--ssp-tamaraw-packet-interval=20"},
		{"--auto-start-defense-session-on-next-send=yes"},
		{"--write-file-on-a-defense-session-done=/tmp/x"},
		{"--exit-on-a-defense-session-done=yes"},
		{"--tor-socks-port=9050"},
	}
	for _, args := range cases {
		c := parse(t, args...)
		if err := c.Validate(config.SSP); err == nil {
			t.Errorf("expected %v to be rejected on the server side", args)
		}
	}
}

func TestValidateAllowedSets(t *testing.T) {
	t.Parallel()
	c := parse(t, "--ssp=host:1",
		"--tamaraw-packet-interval=17", "--tamaraw-L=100", "--tamaraw-time-limit-secs=30")
	if err := c.Validate(config.CSP); err == nil {
		t.Error("expected an error for interval outside the allowed set")
	}

	c = parse(t, "--ssp=host:1",
		"--tamaraw-packet-interval=20", "--tamaraw-L=42", "--tamaraw-time-limit-secs=30")
	if err := c.Validate(config.CSP); err == nil {
		t.Error("expected an error for L outside the allowed set")
	}
}

func TestCarrierParams(t *testing.T) {
	t.Parallel()
	c := parse(t, "--ssp=host:1",
		"--tamaraw-packet-interval=20", "--ssp-tamaraw-packet-interval=5",
		"--tamaraw-L=100", "--tamaraw-time-limit-secs=30")
	if err := c.Validate(config.CSP); err != nil {
		t.Fatalf("validate: %v", err)
	}

	p := c.CarrierParams(config.CSP)
	if p.CellSize != cell.Size {
		t.Errorf("cell size: got %d, want %d", p.CellSize, cell.Size)
	}
	if p.Interval != 20*time.Millisecond || p.TimeLimit != 30*time.Second {
		t.Errorf("durations: %+v", p)
	}
	if p.RequestL != 100 || p.RequestInterval != 5*time.Millisecond {
		t.Errorf("requested params: %+v", p)
	}

	// No interval means no cells at all.
	c = parse(t, "--ssp=host:1")
	if err := c.Validate(config.CSP); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p := c.CarrierParams(config.CSP); p.CellSize != 0 {
		t.Errorf("pass-through cell size: got %d, want 0", p.CellSize)
	}
}
