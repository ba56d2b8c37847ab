package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flightcore/internal/config"
	"flightcore/internal/flight"
	"flightcore/internal/irq"
	"flightcore/internal/link"
	"flightcore/internal/msg"
)

const envPrefix = "flightcore"

// overrides maps config keys to the flags that can set them. Every key can
// also be set from the environment as FLIGHTCORE_<KEY>, dots as underscores.
var overrides = map[string]string{
	"config":        "config",
	"debug":         "debug",
	"sim.enable":    "sim",
	"sim.scenario":  "scenario",
	"serial.device": "device",
	"serial.baud":   "baud",
	"serial.mirror": "mirror",
	"tick.rate_hz":  "rate",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flightcore",
		Short:         "real-time core of a small flight controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "sample the IMU, stream frames to the host and drive the motors",
		Long: `serve boots the controller from a YAML config, resolved in this order:
1. path given with --config
2. path in the FLIGHTCORE_CONFIG environment variable
3. ./flightcore.yaml, or built-in defaults when it does not exist
Flags override the file, and FLIGHTCORE_* environment variables override flags
that were not given (e.g. FLIGHTCORE_SERIAL_DEVICE=/dev/ttyUSB0).
`,
		Example: `  flightcore serve --config /etc/flightcore.yaml
  flightcore serve --sim --mirror 127.0.0.1:4000`,
		RunE: runServe,
	}
	addConfigFlags(serve)
	serve.Flags().Bool("sim", false, "use the simulated IMU and PWM outputs")
	serve.Flags().String("scenario", "", "YAML fault scenario for the simulated IMU")
	serve.Flags().String("device", "", "serial device of the host link")
	serve.Flags().Int("baud", 0, "serial baud rate")
	serve.Flags().String("mirror", "", "UDP destination receiving a copy of every outbound frame")
	serve.Flags().Int("rate", 0, "control loop rate in Hz")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write the default configuration",
		Example: `  flightcore init --print
  flightcore init -o /etc/flightcore.yaml -y`,
		RunE: runInit,
	}
	initCmd.Flags().Bool("print", false, "print the config to stdout")
	initCmd.Flags().StringP("output", "o", config.DefaultPath, "output path")
	initCmd.Flags().BoolP("yes", "y", false, "overwrite an existing file")

	probe := &cobra.Command{
		Use:   "probe",
		Short: "list serial ports and check the configured IMU",
		RunE:  runProbe,
	}
	addConfigFlags(probe)
	probe.Flags().Bool("sim", false, "probe the simulated IMU")

	root.AddCommand(serve, initCmd, probe)
	return root
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", config.DefaultPath, "path to YAML config")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

// resolveConfig reads the config file and applies flag and environment
// overrides before defaults and validation.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range overrides {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}

	var cfg config.Config
	path := v.GetString("config")
	if path != "" {
		var err error
		cfg, err = config.Read(path)
		switch {
		case err == nil:
			log.WithField("path", path).Debug("config loaded")
		case errors.Is(err, os.ErrNotExist) && !v.IsSet("config"):
			log.WithField("path", path).Info("no config file, using defaults")
		default:
			return config.Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v.IsSet("debug") {
		cfg.Debug = v.GetBool("debug")
	}
	if v.IsSet("sim.enable") {
		cfg.Sim.Enable = v.GetBool("sim.enable")
	}
	if v.IsSet("sim.scenario") {
		cfg.Sim.Scenario = v.GetString("sim.scenario")
	}
	if v.IsSet("serial.device") {
		cfg.Serial.Device = v.GetString("serial.device")
	}
	if v.IsSet("serial.baud") {
		cfg.Serial.Baud = v.GetInt("serial.baud")
	}
	if v.IsSet("serial.mirror") {
		cfg.Serial.Mirror = v.GetString("serial.mirror")
	}
	if v.IsSet("tick.rate_hz") {
		cfg.Tick.RateHz = v.GetInt("tick.rate_hz")
	}

	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(debug bool) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.Debug)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return serve(ctx, cfg)
}

// serve runs the controller until ctx ends. A failed boot leaves the
// controller faulted but still reporting status to the host.
func serve(ctx context.Context, cfg config.Config) error {
	fcfg, err := flightConfig(cfg)
	if err != nil {
		return err
	}
	hw := newHardware(ctx, cfg)
	defer func() {
		if err := hw.Close(); err != nil {
			log.WithError(err).Warn("hardware close failed")
		}
	}()

	ctrl := flight.New(fcfg)
	if err := ctrl.Boot(hw.flight()); err != nil {
		log.WithError(err).Error("boot failed")
	}

	q := irq.NewQueue(cfg.Tick.Queue)
	src := hw.tickSource()
	if err := src.Start(ctx, q); err != nil {
		return err
	}
	defer src.Close()

	log.WithFields(log.Fields{
		"rate_hz":  cfg.Tick.RateHz,
		"source":   cfg.Tick.Source,
		"sim":      cfg.Sim.Enable,
		"motors":   cfg.Actuator.Motors,
		"protocol": cfg.Actuator.Protocol,
	}).Info("flightcore starting")

	err = ctrl.Run(ctx, q)
	snap := ctrl.Snapshot()
	log.WithFields(log.Fields{
		"state":     snap.State,
		"tick":      snap.Now,
		"flags":     fmt.Sprintf("0x%08X", uint32(snap.Flags)),
		"throttles": snap.Throttles,
	}).Info("flightcore stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func runInit(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	output, _ := cmd.Flags().GetString("output")
	overwrite, _ := cmd.Flags().GetBool("yes")

	b, err := config.Dump(config.Default())
	if err != nil {
		return err
	}
	if printFlag {
		_, err := cmd.OutOrStdout().Write(b)
		return err
	}
	if _, err := os.Stat(output); err == nil && !overwrite {
		return fmt.Errorf("%s exists, use --yes to overwrite", output)
	}
	if err := os.WriteFile(output, b, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", output)
	return nil
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.Debug)
	out := cmd.OutOrStdout()

	ports, err := link.ListPorts()
	if err != nil {
		fmt.Fprintf(out, "serial ports: %v\n", err)
	} else {
		fmt.Fprintf(out, "serial ports: %s\n", strings.Join(ports, ", "))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	hw := newHardware(ctx, cfg)
	defer hw.Close()

	sensor, err := hw.openSensor()
	if err != nil {
		return fmt.Errorf("imu on %s: %w", cfg.Sensor.Bus, err)
	}
	fmt.Fprintf(out, "imu on %s: ok\n", cfg.Sensor.Bus)
	for _, k := range msg.Kinds {
		v, err := sensor.Read(k)
		if err != nil {
			fmt.Fprintf(out, "  %-5s error: %v\n", k, err)
			continue
		}
		fmt.Fprintf(out, "  %-5s %s\n", k, v)
	}
	return nil
}
