// Command fido2ble-to-uhid bridges paired BLE FIDO2 authenticators to the
// host kernel as virtual USB HID FIDO2 authenticators (spec §1). CLI wiring
// follows kryptco-kr/ctl/ctl.go's urfave/cli App shape; signal handling
// follows kryptco-kr/krd/krd.go's blocking os/signal wait.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/urfave/cli"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/config"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/logx"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/supervisor"
)

const (
	exitOK               = 0
	exitInvalidArgument  = 1
	exitTransportFailure = 2
)

func main() {
	cfg := config.Default()

	app := cli.NewApp()
	app.Name = "fido2ble-to-uhid"
	app.Usage = "bridge paired BLE FIDO2 authenticators to virtual USB HID devices"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn, error",
			Value:       cfg.LogLevel,
			Destination: &cfg.LogLevel,
		},
		cli.StringFlag{
			Name:        "uhid-log-level",
			Usage:       "debug, info, warn, error",
			Value:       cfg.UHIDLogLevel,
			Destination: &cfg.UHIDLogLevel,
		},
		cli.BoolFlag{
			Name:        "write-service-revision",
			Usage:       "write 0x20 to the Service-Revision-Bitfield characteristic on connect",
			Destination: &cfg.WriteServiceRevision,
		},
		cli.StringFlag{
			Name:        "device-name-template",
			Usage:       "virtual device name; %d is replaced with a 1-based index (without %d, authenticators after the first get the index appended)",
			Value:       cfg.DeviceNameTemplate,
			Destination: &cfg.DeviceNameTemplate,
		},
		cli.DurationFlag{
			Name:        "idle-timeout",
			Usage:       "how long a BLE session may sit idle before disconnecting",
			Value:       cfg.IdleTimeout,
			Destination: &cfg.IdleTimeout,
		},
		cli.DurationFlag{
			Name:        "connect-timeout",
			Usage:       "how long a BLE connect attempt may take before failing",
			Value:       cfg.ConnectTimeout,
			Destination: &cfg.ConnectTimeout,
		},
	}
	app.Action = func(c *cli.Context) error {
		return run(cfg)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, logx.Red(fmt.Sprintf("fatal: %s", err)))
		os.Exit(exitInvalidArgument)
	}
}

func run(cfg config.Config) error {
	registry := logx.NewRegistry()

	level, err := logx.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --log-level: %s", err), exitInvalidArgument)
	}
	uhidLevel, err := logx.ParseLevel(cfg.UHIDLogLevel)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --uhid-log-level: %s", err), exitInvalidArgument)
	}

	log := registry.Logger("bridge", level)
	registry.Logger("uhid", uhidLevel)
	registry.Logger("hid", level)
	registry.Logger("ble", level)

	log.Notice(logx.Cyan("fido2ble-to-uhid starting"))

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Errorf("connect system bus: %s", err)
		os.Exit(exitTransportFailure)
	}
	defer conn.Close()

	super := supervisor.New(conn, cfg, log)
	if err := super.Start(); err != nil {
		log.Errorf("start supervisor: %s", err)
		os.Exit(exitTransportFailure)
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	sig := <-stopSignal
	log.Notice(logx.Yellow(fmt.Sprintf("stopping on signal %s", sig)))

	done := make(chan struct{})
	go func() {
		super.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warning("shutdown taking too long, exiting anyway")
	}

	os.Exit(exitOK)
	return nil
}
