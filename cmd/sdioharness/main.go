// Command sdioharness wires a virtual SDIO device to pkg/host and runs the
// full initialization sequence against it, standing in for whatever
// simulator or real adapter would otherwise sit behind pkg/phy.
//
// Styled after a flag-parsed CLI that builds an object step by step then
// runs it (parse flags, construct the stack, execute), loading a YAML
// harness configuration via gopkg.in/yaml.v3 and accepting pflag overrides
// rather than the stdlib flag package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kestrelsim/sdiohost/examples/virtualdut"
	"github.com/kestrelsim/sdiohost/pkg/bus"
	"github.com/kestrelsim/sdiohost/pkg/host"
	"github.com/kestrelsim/sdiohost/pkg/phy"
	"github.com/kestrelsim/sdiohost/pkg/regmap"
)

// yamlConfig is the on-disk shape: yaml.v3 has no built-in notion of
// time.Duration, so the clock period round-trips as a parseable string
// ("20us") rather than the config struct's native type.
type yamlConfig struct {
	ClockPeriod       string `yaml:"clock_period"`
	SPIMode           bool   `yaml:"spi_mode"`
	RCAChanges        int    `yaml:"rca_changes"`
	DumpRegs          bool   `yaml:"dump_regs"`
	RegisterTablePath string `yaml:"register_table_path"`
}

// config is the harness configuration in force once a file has been parsed.
type config struct {
	ClockPeriod       time.Duration
	SPIMode           bool
	RCAChanges        int
	DumpRegs          bool
	RegisterTablePath string
}

func defaultConfig() config {
	return config{ClockPeriod: 40 * time.Microsecond}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("sdioharness: %w", err)
	}
	defer f.Close()

	var y yamlConfig
	if err := yaml.NewDecoder(f).Decode(&y); err != nil {
		return cfg, fmt.Errorf("sdioharness: parsing %s: %w", path, err)
	}
	cfg.SPIMode = y.SPIMode
	cfg.RCAChanges = y.RCAChanges
	cfg.DumpRegs = y.DumpRegs
	cfg.RegisterTablePath = y.RegisterTablePath
	if y.ClockPeriod != "" {
		d, err := time.ParseDuration(y.ClockPeriod)
		if err != nil {
			return cfg, fmt.Errorf("sdioharness: clock_period: %w", err)
		}
		cfg.ClockPeriod = d
	}
	return cfg, nil
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML harness configuration file")
	spiMode := pflag.Bool("spi", false, "run the harness in SPI mode instead of native")
	dumpRegs := pflag.Bool("dump-regs", false, "dump CCCR/FBR register state after init")
	rcaChanges := pflag.Int("rca-changes", -1, "extra CMD3 RCA reassignments before CMD7 (native mode only)")
	clockPeriod := pflag.Duration("clock-period", 0, "simulated clock period, e.g. 20us")
	registerTable := pflag.String("register-table", "", "path to an INI register name table")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("spi") {
		cfg.SPIMode = *spiMode
	}
	if pflag.CommandLine.Changed("dump-regs") {
		cfg.DumpRegs = *dumpRegs
	}
	if *rcaChanges >= 0 {
		cfg.RCAChanges = *rcaChanges
	}
	if *clockPeriod > 0 {
		cfg.ClockPeriod = *clockPeriod
	}
	if *registerTable != "" {
		cfg.RegisterTablePath = *registerTable
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := run(cfg, logger); err != nil {
		logger.Error("harness run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pins := virtualdut.NewLoopbackPins()
	clock := bus.NewClock()
	card := virtualdut.NewCard(pins, clock, logger)

	go func() {
		if err := card.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("virtual DUT stopped unexpectedly", "error", err)
		}
	}()
	go virtualdut.DriveClock(ctx, clock, cfg.ClockPeriod)

	var p phy.PHY
	if cfg.SPIMode {
		p = phy.NewSPI(pins, clock, logger)
	} else {
		p = phy.NewNative(pins, clock, logger)
	}

	opts := []host.Option{host.WithLogger(logger)}
	if cfg.SPIMode {
		opts = append(opts, host.WithSPIMode())
	}
	if cfg.RegisterTablePath != "" {
		tbl, err := regmap.Load(cfg.RegisterTablePath)
		if err != nil {
			return err
		}
		opts = append(opts, host.WithRegisterTable(tbl))
	}

	h := host.New(clock, p, opts...)
	if err := h.Init(ctx, host.InitParams{DumpRegs: cfg.DumpRegs, RCAChanges: cfg.RCAChanges}); err != nil {
		return err
	}

	logger.Info("harness init complete",
		"function_count", h.FunctionCount(),
		"max_block_size_fn0", h.MaxBlockSize(0))
	return nil
}
