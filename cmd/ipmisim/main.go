// Command ipmisim runs a simulated management controller on UDP, for
// exercising ipmimon without real hardware.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/simulator"
	"github.com/spf13/pflag"
)

type options struct {
	listen     string
	username   string
	password   string
	power      uint32
	cpuTemp    uint32
	inletTemp  uint32
	fanSpeed   uint32
	energy     uint32
	psuWarning bool
	latency    time.Duration
	logLevel   string
}

func parseFlags() (options, error) {
	var o options

	fs := pflag.NewFlagSet("ipmisim", pflag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", "127.0.0.1:6230", "UDP listen address")
	fs.StringVar(&o.username, "username", "admin", "Accepted username")
	fs.StringVar(&o.password, "password", "admin", "Accepted password")
	fs.Uint32Var(&o.power, "power", 350, "Power reading in watts")
	fs.Uint32Var(&o.cpuTemp, "cpu-temp", 42, "CPU temperature in °C")
	fs.Uint32Var(&o.inletTemp, "inlet-temp", 24, "Inlet temperature in °C")
	fs.Uint32Var(&o.fanSpeed, "fan-speed", 60, "Fan speed in percent")
	fs.Uint32Var(&o.energy, "energy", 125000, "Energy counter in Wh")
	fs.BoolVar(&o.psuWarning, "psu-warning", false, "Report the PSU in WARNING state")
	fs.DurationVar(&o.latency, "latency", 0, "Delay added to every reply")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warning, error)")

	return o, fs.Parse(os.Args[1:])
}

func main() {
	o, err := parseFlags()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger.Init(o.logLevel, false)

	sim := simulator.New(o.username, o.password)
	sim.SetRaw(protocol.SensorPower, o.power)
	sim.SetRaw(protocol.SensorCPUTemperature, o.cpuTemp)
	sim.SetRaw(protocol.SensorInletTemperature, o.inletTemp)
	sim.SetRaw(protocol.SensorFanSpeed, o.fanSpeed)
	sim.SetRaw(protocol.SensorEnergy, o.energy)
	sim.SetLatency(o.latency)
	if o.psuWarning {
		sim.SetHealth(protocol.TargetPSU, protocol.HealthWarning)
	}

	pc, err := net.ListenPacket("udp", o.listen)
	if err != nil {
		logger.Fatal().Err(err).Str("listen", o.listen).Msg("Failed to listen")
	}
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	logger.Info().Str("listen", pc.LocalAddr().String()).Str("username", o.username).Msg("Simulated controller listening")

	if err := sim.Serve(ctx, pc); err != nil {
		logger.Error().Err(err).Msg("Simulator stopped")
	}

	stats := sim.Stats()
	logger.Info().
		Int("requests", stats.Requests).
		Int("handshakes", stats.Handshakes).
		Int("power_cap", sim.PowerCap()).
		Msg("Exiting...")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
