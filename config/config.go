// Package config loads the TOML configuration describing a KISS device,
// its logical interfaces and the station/peers reachable through them,
// following the same map-walking pattern as go-l2tp's l2tp/config.go.
package config

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"
)

// Config represents the on-disk configuration described by a TOML file.
// Ref: https://github.com/toml-lang/toml
type Config struct {
	// entire tree as a map
	cm map[string]interface{}
	// map of device name to device config
	devices map[string]*DeviceConfig
}

// DeviceConfig describes a single KISS device: the transport it talks
// to, the KISS command sequence used to initialise it, and the
// interfaces (and, through them, peers) layered on top.
type DeviceConfig struct {
	// Transport selects the byte-stream collaborator: "serial" or "tcp".
	Transport string
	// Path is the serial device path (transport = "serial").
	Path string
	// Baud is the serial line rate (transport = "serial"); 0 means the
	// transport's own default.
	Baud int
	// Addr is the "host:port" to dial (transport = "tcp").
	Addr string

	InitCommands   []string
	SendBlockSize  int
	SendBlockDelay time.Duration
	ResetOnClose   bool

	// Interfaces maps interface name to interface config.
	Interfaces map[string]*InterfaceConfig
}

// InterfaceConfig describes one logical radio interface: a KISS port
// number on its owning device, the CTS scheduler tuning, and the
// station/peers bound to it.
type InterfaceConfig struct {
	Port     int
	CTSDelay time.Duration
	CTSRand  time.Duration

	Station *StationConfig
}

// StationConfig describes the local station address, its AX.25
// capability, and the peers it is configured to reach.
type StationConfig struct {
	Address  string
	Protocol string // "2.0" or "2.2"

	Peers map[string]*PeerConfig
}

// PeerConfig describes one remote station reachable through a Station.
type PeerConfig struct {
	Address             string
	Path                []string
	LockedPath          bool
	Modulo128           bool
	ConnectRetryTimeout time.Duration
	IdleTimeout         time.Duration
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	}
	return 0, fmt.Errorf("supplied value could not be parsed as an integer")
}

func toDuration(v interface{}) (time.Duration, error) {
	s, err := toString(v)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("expect a Go duration string (e.g. '10ms'): %v", err)
	}
	return d, nil
}

func toStringSlice(v interface{}) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := toString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func newPeerConfig(pcfg map[string]interface{}) (*PeerConfig, error) {
	pc := PeerConfig{}
	for k, v := range pcfg {
		var err error
		switch k {
		case "address":
			pc.Address, err = toString(v)
		case "path":
			pc.Path, err = toStringSlice(v)
		case "locked_path":
			pc.LockedPath, err = toBool(v)
		case "modulo128":
			pc.Modulo128, err = toBool(v)
		case "connect_retry_timeout":
			pc.ConnectRetryTimeout, err = toDuration(v)
		case "idle_timeout":
			pc.IdleTimeout, err = toDuration(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if pc.Address == "" {
		return nil, fmt.Errorf("peer requires an 'address'")
	}
	return &pc, nil
}

func (s *StationConfig) loadPeers(v interface{}) error {
	peers, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("peer instances must be named, e.g. '[...station.peer.mypeer]'")
	}
	for name, got := range peers {
		pmap, ok := got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("config for peer %v isn't a map", name)
		}
		pc, err := newPeerConfig(pmap)
		if err != nil {
			return fmt.Errorf("peer %v: %v", name, err)
		}
		s.Peers[name] = pc
	}
	return nil
}

func newStationConfig(scfg map[string]interface{}) (*StationConfig, error) {
	sc := StationConfig{Peers: make(map[string]*PeerConfig)}
	for k, v := range scfg {
		var err error
		switch k {
		case "address":
			sc.Address, err = toString(v)
		case "protocol":
			sc.Protocol, err = toString(v)
		case "peer":
			err = sc.loadPeers(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if sc.Address == "" {
		return nil, fmt.Errorf("station requires an 'address'")
	}
	return &sc, nil
}

func newInterfaceConfig(icfg map[string]interface{}) (*InterfaceConfig, error) {
	ic := InterfaceConfig{}
	for k, v := range icfg {
		var err error
		switch k {
		case "port":
			ic.Port, err = toInt(v)
		case "cts_delay":
			ic.CTSDelay, err = toDuration(v)
		case "cts_rand":
			ic.CTSRand, err = toDuration(v)
		case "station":
			smap, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("station config isn't a map")
			}
			ic.Station, err = newStationConfig(smap)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return &ic, nil
}

func (d *DeviceConfig) loadInterfaces(v interface{}) error {
	ifaces, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("interface instances must be named, e.g. '[device.mydevice.interface.main]'")
	}
	for name, got := range ifaces {
		imap, ok := got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("config for interface %v isn't a map", name)
		}
		ic, err := newInterfaceConfig(imap)
		if err != nil {
			return fmt.Errorf("interface %v: %v", name, err)
		}
		d.Interfaces[name] = ic
	}
	return nil
}

func newDeviceConfig(dcfg map[string]interface{}) (*DeviceConfig, error) {
	dc := DeviceConfig{Interfaces: make(map[string]*InterfaceConfig)}
	for k, v := range dcfg {
		var err error
		switch k {
		case "transport":
			dc.Transport, err = toString(v)
		case "path":
			dc.Path, err = toString(v)
		case "baud":
			dc.Baud, err = toInt(v)
		case "addr":
			dc.Addr, err = toString(v)
		case "init_commands":
			dc.InitCommands, err = toStringSlice(v)
		case "send_block_size":
			dc.SendBlockSize, err = toInt(v)
		case "send_block_delay":
			dc.SendBlockDelay, err = toDuration(v)
		case "reset_on_close":
			dc.ResetOnClose, err = toBool(v)
		case "interface":
			err = dc.loadInterfaces(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if dc.Transport != "serial" && dc.Transport != "tcp" {
		return nil, fmt.Errorf("transport must be 'serial' or 'tcp', got %q", dc.Transport)
	}
	return &dc, nil
}

func (cfg *Config) loadDevices() error {
	var devices map[string]interface{}
	got, ok := cfg.cm["device"]
	if !ok {
		return fmt.Errorf("no device table present")
	}
	devices, ok = got.(map[string]interface{})
	if !ok {
		return fmt.Errorf("device instances must be named, e.g. '[device.mydevice]'")
	}
	for name, got := range devices {
		dmap, ok := got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("config for device %v isn't a map", name)
		}
		dc, err := newDeviceConfig(dmap)
		if err != nil {
			return fmt.Errorf("device %v: %v", name, err)
		}
		cfg.devices[name] = dc
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{
		cm:      tree.ToMap(),
		devices: make(map[string]*DeviceConfig),
	}
	if err := cfg.loadDevices(); err != nil {
		return nil, fmt.Errorf("failed to parse devices: %v", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}

// GetDevices returns a map of device name to device config for all the
// devices described by the configuration.
func (cfg *Config) GetDevices() map[string]*DeviceConfig {
	return cfg.devices
}

// ToMap provides access to the raw configuration tree for
// application-specific information to be handled.
func (cfg *Config) ToMap() map[string]interface{} {
	return cfg.cm
}
