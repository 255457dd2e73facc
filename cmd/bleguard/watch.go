package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	goble "github.com/srg/bleguard/internal/device/go-ble"
	"github.com/srg/bleguard/pkg/config"
	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/engine"
	"github.com/srg/bleguard/pkg/events"
)

var watchCmd = &cobra.Command{
	Use:   "watch <device-address>...",
	Short: "Connect to devices and keep them connected",
	Long: `Connect to one or more BLE devices and keep the connections alive.

Each device is connected immediately. Dropped connections are retried with
exponential backoff; RSSI is polled while a device is connected, and devices that
stop sending data are reported as warning and then stale. Events are printed as
they happen until Ctrl+C (or --duration), followed by a status summary.`,
	Example: `  bleguard watch AA:BB:CC:DD:EE:FF
  bleguard watch --preset aggressive --notify 2a37 AA:BB:CC:DD:EE:FF
  bleguard watch -f json --duration 1m AA:BB:CC:DD:EE:FF 11:22:33:44:55:66`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var (
	watchFormat   string
	watchDuration time.Duration
	watchNotify   []string
	watchNoColor  bool
)

// stopDrainTimeout bounds how long watch waits for the final events to print.
const stopDrainTimeout = 2 * time.Second

func init() {
	watchCmd.Flags().StringVarP(&watchFormat, "format", "f", formatTable, "Output format (table, json)")
	watchCmd.Flags().DurationVarP(&watchDuration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
	watchCmd.Flags().StringSliceVar(&watchNotify, "notify", nil, "Characteristic UUIDs whose notifications count as liveness")
	watchCmd.Flags().BoolVar(&watchNoColor, "no-color", false, "Disable colored output")
	watchCmd.Flags().String("preset", config.PresetDefault,
		fmt.Sprintf("Reconnection preset (%s)", strings.Join(config.Presets(), ", ")))
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !slices.Contains(validFormats, watchFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", watchFormat, validFormats)
	}
	ids, err := device.ParseIDs(args...)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(watchNotify) > 0 {
		uuids, err := goble.ValidateUUIDs(watchNotify...)
		if err != nil {
			return fmt.Errorf("invalid --notify value: %w", err)
		}
		cfg.Radio.NotifyCharacteristics = uuids
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	p, err := newPrinter(watchFormat, out, !watchNoColor && isTerminal(out))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if watchDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, watchDuration)
		defer cancel()
	}

	// Listen for Ctrl+C to stop watching
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	radio := goble.NewRadio(cfg.Radio, logger)
	if err := radio.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := radio.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close radio")
		}
	}()

	return watchDevices(ctx, radio, cfg.Reconnect, ids, p, logger)
}

// watchDevices supervises ids on radio until ctx is done, printing every event and
// then the final status of each device.
func watchDevices(ctx context.Context, radio device.RadioService, rc config.ReconnectConfig,
	ids []device.DeviceID, p printer, logger *logrus.Logger) error {
	bus := events.NewBus(logger)
	defer bus.Close()

	eng, err := engine.New(radio, rc, logger, engine.WithBus(bus))
	if err != nil {
		return err
	}

	stopped := make(chan struct{})
	unsubscribe := eng.Subscribe(func(ev events.Event) {
		p.PrintEvent(ev)
		if ev.Type == events.WorkerStopped {
			close(stopped)
		}
	})
	defer unsubscribe()

	eng.Start(ctx)
	handles := radio.RetrievePeripherals(ids)
	for _, h := range handles {
		eng.ScheduleReconnection(h, true)
	}
	eng.StartLivenessPolling(handles)

	<-ctx.Done()

	snap := eng.Snapshot()
	eng.Stop()

	select {
	case <-stopped:
	case <-time.After(stopDrainTimeout):
		logger.Warn("Timed out waiting for final events")
	}
	return p.PrintSnapshot(snap)
}
