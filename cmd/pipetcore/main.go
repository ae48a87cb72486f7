// Command pipetcore runs the pipetting execution engine: it wires the
// Configuration Registry, MCU transport, Motor Driver Client, Position
// Tracker and Pipetting Executor into an Execution Controller, then serves
// the REST surface the UI polls (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pipetcore/internal/config"
	"pipetcore/internal/control"
	"pipetcore/internal/httpapi"
	"pipetcore/internal/logring"
	"pipetcore/internal/mcuproto"
	"pipetcore/internal/motordriver"
	"pipetcore/internal/position"
	"pipetcore/internal/repetition"
)

// axisWiring is the fixed motor-id/pin assignment for the four stepper
// axes (spec.md §2 "four stepper axes (X, Y, Z, pipette/gripper)"); the
// MCU firmware's pin map is out of scope for this spec, so these are the
// one set of pin numbers init_motor actually needs.
var axisWiring = []struct {
	name                            string
	motorID, pulsePin, dirPin, limitPin int
}{
	{"x", 1, 2, 3, 4},
	{"y", 2, 5, 6, 7},
	{"z", 3, 8, 9, 10},
	{"pipette", 4, 11, 12, 13},
}

func main() {
	serialPort := flag.String("serial-port", "", "Serial device for the MCU link (e.g. /dev/ttyUSB0); mutually exclusive with -bridge-addr")
	bridgeAddr := flag.String("bridge-addr", "", "host:port of a TCP RPC bridge to the MCU, used instead of a direct serial line")
	configPath := flag.String("config", "pipetcore.properties", "Path to the key=value configuration file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address for the REST surface")
	logRingCapacity := flag.Int("log-ring-capacity", logring.DefaultCapacity, "Number of LogRing lines retained for /pipetting/logs")
	flag.Parse()

	ring := logring.New(*logRingCapacity)
	log := zerolog.New(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}, ring)).
		With().Timestamp().Logger()

	cfgRegistry, err := loadOrCreateConfig(*configPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := cfgRegistry.WatchFile(watchCtx, *configPath); err != nil {
		log.Warn().Err(err).Msg("config hot-reload disabled: could not watch file")
	}

	opener, err := buildOpener(*serialPort, *bridgeAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring MCU transport")
	}
	transport := mcuproto.NewFrameTransport(opener, log)
	motors := motordriver.New(transport)
	if err := initAxes(motors, log); err != nil {
		log.Fatal().Err(err).Msg("initializing motor axes")
	}

	pos := position.New()
	rep, err := repetition.NewRunner()
	if err != nil {
		log.Fatal().Err(err).Msg("starting repetition scheduler")
	}
	defer rep.Close()

	ctrl := control.New(motors, pos, rep, cfgRegistry, log, ring)
	server := &http.Server{Addr: *listenAddr, Handler: httpapi.NewRouter(ctrl, log)}

	go func() {
		log.Info().Str("addr", *listenAddr).Msg("serving pipetting REST surface")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	ctrl.Stop()
}

func loadOrCreateConfig(path string, log zerolog.Logger) (*config.Registry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("configuration file not found, starting from defaults")
		return config.New(config.Default(), log)
	}
	return config.LoadFile(path, log)
}

func buildOpener(serialPort, bridgeAddr string) (mcuproto.Opener, error) {
	switch {
	case serialPort != "" && bridgeAddr != "":
		return nil, fmt.Errorf("specify only one of -serial-port or -bridge-addr")
	case bridgeAddr != "":
		return mcuproto.DialTCPBridge(bridgeAddr), nil
	case serialPort != "":
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return mcuproto.OpenMCUSerial(serialPort)
		}, nil
	default:
		return nil, fmt.Errorf("specify -serial-port or -bridge-addr")
	}
}

func initAxes(motors *motordriver.Client, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, axis := range axisWiring {
		if err := motors.Init(ctx, axis.motorID, axis.pulsePin, axis.dirPin, axis.limitPin); err != nil {
			return fmt.Errorf("init %s axis (motor %d): %w", axis.name, axis.motorID, err)
		}
		log.Info().Str("axis", axis.name).Int("motor_id", axis.motorID).Msg("axis initialized")
	}
	return nil
}
