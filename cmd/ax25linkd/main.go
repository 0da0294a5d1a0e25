// Command ax25linkd wires a configuration file into a running KISS
// device and AX.25 station: it is the example end-to-end composition of
// the packages in this module, not itself part of the specified core.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"go.bug.st/serial"
	"golang.org/x/sys/unix"

	"github.com/hamradio-go/ax25link/ax25"
	"github.com/hamradio-go/ax25link/config"
	"github.com/hamradio-go/ax25link/kiss"
	"github.com/hamradio-go/ax25link/transport/serialkiss"
	"github.com/hamradio-go/ax25link/transport/tcpkiss"
)

func main() {
	cfgPathPtr := flag.String("config", "/etc/ax25linkd/ax25linkd.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	logger := log.NewLogfmtLogger(os.Stderr)
	if *verbosePtr {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := config.LoadFile(*cfgPathPtr)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load configuration", "err", err)
		os.Exit(1)
	}

	var devices []*kiss.Device
	for name, dcfg := range cfg.GetDevices() {
		dev, err := buildDevice(name, dcfg, logger)
		if err != nil {
			level.Error(logger).Log("msg", "failed to build device", "device", name, "err", err)
			os.Exit(1)
		}
		if _, err := dev.Open(nil); err != nil {
			level.Error(logger).Log("msg", "failed to open device", "device", name, "err", err)
			os.Exit(1)
		}
		devices = append(devices, dev)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	<-sigs

	for _, dev := range devices {
		dev.Close(nil)
	}
}

// buildDevice instantiates the transport, KISS device, and every
// interface/station/peer configured under it.
func buildDevice(name string, dcfg *config.DeviceConfig, logger log.Logger) (*kiss.Device, error) {
	devLogger := log.With(logger, "device", name)

	var transport kiss.Transport
	var dev *kiss.Device
	receive := func(b []byte) { dev.Receive(b) }

	switch dcfg.Transport {
	case "serial":
		transport = serialkiss.New(serialkiss.Config{
			Port:    dcfg.Path,
			Mode:    serial.Mode{BaudRate: dcfg.Baud},
			Logger:  devLogger,
			Receive: receive,
		})
	case "tcp":
		transport = tcpkiss.New(tcpkiss.Config{
			Addr:    dcfg.Addr,
			Logger:  devLogger,
			Receive: receive,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", dcfg.Transport)
	}

	dev = kiss.NewDevice(kiss.Config{
		Transport:      transport,
		Logger:         devLogger,
		InitCommands:   dcfg.InitCommands,
		SendBlockSize:  dcfg.SendBlockSize,
		SendBlockDelay: dcfg.SendBlockDelay,
		ResetOnClose:   dcfg.ResetOnClose,
	})

	for ifName, icfg := range dcfg.Interfaces {
		port := dev.Port(icfg.Port)
		router := ax25.NewRouter()
		iface := ax25.NewInterface(ax25.InterfaceConfig{
			Port:     port,
			Router:   router,
			Logger:   log.With(devLogger, "interface", ifName),
			CTSDelay: icfg.CTSDelay,
			CTSRand:  icfg.CTSRand,
		})
		ax25.BindKISSPort(iface, port)

		if icfg.Station == nil {
			continue
		}
		station := buildStation(icfg.Station, iface, log.With(devLogger, "interface", ifName))
		_ = station
	}

	return dev, nil
}

func buildStation(scfg *config.StationConfig, iface *ax25.Interface, logger log.Logger) *ax25.Station {
	proto := ax25.ProtocolUnknown
	switch scfg.Protocol {
	case "2.0":
		proto = ax25.ProtocolAX25_2_0
	case "2.2":
		proto = ax25.ProtocolAX25_2_2
	}

	station := ax25.NewStation(ax25.StationConfig{
		Address:  parseAddress(scfg.Address),
		Protocol: proto,
		Logger:   logger,
	}, iface)

	station.ConnectionRequest.Connect(func(ev ax25.ConnectionRequestEvent) {
		level.Info(logger).Log("msg", "incoming connection request", "peer", ev.Peer.RemoteAddress.String())
	})

	for peerName, pcfg := range scfg.Peers {
		path := make([]ax25.Address, 0, len(pcfg.Path))
		for _, hop := range pcfg.Path {
			path = append(path, parseAddress(hop))
		}
		opts := ax25.PeerOptions{
			Modulo128:           pcfg.Modulo128,
			ConnectRetryTimeout: pcfg.ConnectRetryTimeout,
			IdleTimeout:         pcfg.IdleTimeout,
		}
		peer := station.Connect(parseAddress(pcfg.Address), path, pcfg.LockedPath, opts)
		level.Info(logger).Log("msg", "connecting to configured peer", "peer", peerName, "address", peer.RemoteAddress.String())
	}

	return station
}

// parseAddress parses a "CALLSIGN" or "CALLSIGN-SSID" string. A malformed
// SSID is silently treated as 0, matching the permissive parsing a
// configuration-loading helper (rather than the wire codec) should do.
func parseAddress(s string) ax25.Address {
	callsign, ssidStr, found := strings.Cut(s, "-")
	if !found {
		return ax25.Address{Callsign: s}
	}
	ssid, err := strconv.Atoi(ssidStr)
	if err != nil {
		return ax25.Address{Callsign: callsign}
	}
	return ax25.Address{Callsign: callsign, SSID: ssid}
}
