package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/go-serial-bridge/bridge"
	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
	"github.com/luhtfiimanal/go-serial-bridge/internal/driver"
	"github.com/luhtfiimanal/go-serial-bridge/internal/logger"
)

// Version is set at build time.
var Version = "dev"

func main() {
	flags := pflag.NewFlagSet("serialbridge", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.String("variant", config.VariantDiagnostic, "passthrough or diagnostic")
	flags.String("device.driver", "termios", "device driver: termios, bugst or tarm")
	flags.String("device.path", "/dev/ttyUSB0", "device tty path")
	flags.Int("device.baud_rate", 115200, "device baud rate")
	flags.String("host.driver", "pty", "host driver: pty, termios, bugst or tarm")
	flags.String("host.path", "", "host tty path (not used by pty)")
	flags.String("bridge.idle", config.IdleBusy, "idle strategy: busy or poll")
	flags.String("log.level", "info", "log level")
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println("serialbridge", Version)
		return
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("bridge stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	device, err := driver.OpenDevice(cfg.Device, log)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer device.Close()

	host, err := driver.OpenHost(cfg.Host, log)
	if err != nil {
		return fmt.Errorf("open host: %w", err)
	}
	defer host.Close()

	bc := cfg.BridgeConfig()
	bc.Logger = log

	if cfg.Bridge.Idle == config.IdlePoll {
		poller, err := driver.NewPoller(host, device)
		if err != nil {
			return fmt.Errorf("create poller: %w", err)
		}
		if poller == nil {
			log.Warn("endpoints are not pollable, busy-polling instead",
				zap.String("host_driver", cfg.Host.Driver),
				zap.String("device_driver", cfg.Device.Driver))
		} else {
			defer poller.Close()
			bc.Waiter = poller
		}
	}

	b, err := bridge.New(host, device, bc)
	if err != nil {
		return err
	}

	log.Info("bridge up",
		zap.String("variant", cfg.Variant),
		zap.String("host", host.Name()),
		zap.String("host_driver", cfg.Host.Driver),
		zap.String("device", device.Name()),
		zap.String("device_driver", cfg.Device.Driver),
		zap.Int("baud_rate", cfg.Device.BaudRate),
		zap.Int("host_buffer", bc.HostBufferSize),
		zap.Int("device_buffer", bc.DeviceBufferSize),
		zap.Bool("echo", bc.Echo),
		zap.Duration("heartbeat_interval", bc.HeartbeatInterval),
		zap.String("idle", cfg.Bridge.Idle))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = b.Run(ctx)
	log.Info("bridge down", b.Stats().Fields()...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
