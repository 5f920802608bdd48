// Package network manages Linux bridge/TAP networking for virtual machines:
// persisting a network's configuration, and bringing up the bridge and
// per-instance TAP devices backing it via the "ip" command.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"

	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/vmid"
)

const devicePollInterval = 50 * time.Millisecond

// Config is a network's persisted configuration: a name and the CIDR the
// bridge's gateway address is drawn from.
type Config struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
}

// Network is a bridge-backed network and the TAP devices of the instances
// attached to it.
type Network struct {
	id      vmid.Id
	config  Config
	gateway net.IP
	ipNet   *net.IPNet
}

// New persists a new network's configuration. It fails if config already
// exists for this id.
func New(l *layout.Layout, id vmid.Id, config Config) (*Network, error) {
	dir := filepath.Join(l.NetworksRoot(), id.String())
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("network config exists: %s", dir)
	}

	gateway, ipNet, err := net.ParseCIDR(config.CIDR)
	if err != nil {
		return nil, fmt.Errorf("parse network cidr %q: %w", config.CIDR, err)
	}

	path, err := l.NetworkConfigFile(id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal network config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write network config: %w", err)
	}

	return &Network{id: id, config: config, gateway: gateway, ipNet: ipNet}, nil
}

// Read loads a previously persisted network's configuration.
func Read(l *layout.Layout, id vmid.Id) (*Network, error) {
	path, err := l.NetworkConfigFile(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network config: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse network config: %w", err)
	}

	gateway, ipNet, err := net.ParseCIDR(config.CIDR)
	if err != nil {
		return nil, fmt.Errorf("parse network cidr %q: %w", config.CIDR, err)
	}

	return &Network{id: id, config: config, gateway: gateway, ipNet: ipNet}, nil
}

// Id returns the network's id.
func (n *Network) Id() vmid.Id { return n.id }

// Config returns the network's persisted configuration.
func (n *Network) Config() Config { return n.config }

// Gateway is the bridge's own address within its subnet.
func (n *Network) Gateway() net.IP { return n.gateway }

// UsableHostRange returns the first and last host addresses in the
// network's subnet, excluding the network and broadcast addresses.
func (n *Network) UsableHostRange() (net.IP, net.IP, error) {
	first, last := cidr.AddressRange(n.ipNet)
	first = nextIP(first)
	last = prevIP(last)
	if bytesCompare(first, last) > 0 {
		return nil, nil, fmt.Errorf("network %s has no usable host addresses", n.config.CIDR)
	}
	return first, last, nil
}

// BridgeName derives this network's bridge device name from its id,
// e.g. "vmmbr-a1b2".
func (n *Network) BridgeName() string {
	return "vmmbr-" + n.id.Suffix(4)
}

// TapName derives the TAP device name for an instance attached to this
// network, e.g. "vmmtap-c3d4".
func (n *Network) TapName(instanceID vmid.Id) string {
	return "vmmtap-" + instanceID.Suffix(4)
}

// EnsureBridgeUp creates the bridge device and assigns it the gateway address
// if it doesn't exist, then brings it up. Safe to call repeatedly; the
// addresses of a bridge that already exists are left as they are.
func (n *Network) EnsureBridgeUp(ctx context.Context) error {
	bridge := n.BridgeName()

	if !linkExists(ctx, bridge) {
		if err := ipSuccess(ctx, "link", "add", bridge, "type", "bridge"); err != nil {
			return err
		}
		if err := waitForLink(ctx, bridge); err != nil {
			return err
		}
		addr := &net.IPNet{IP: n.gateway, Mask: n.ipNet.Mask}
		if err := ipSuccess(ctx, "addr", "add", addr.String(), "dev", bridge); err != nil {
			return err
		}
	}

	return ipSuccess(ctx, "link", "set", "up", "dev", bridge)
}

// EnsureTapUp creates the TAP device for an instance if it doesn't exist,
// attaches it to the bridge, and brings it up. Safe to call repeatedly.
func (n *Network) EnsureTapUp(ctx context.Context, instanceID vmid.Id) error {
	bridge := n.BridgeName()
	tap := n.TapName(instanceID)

	if !linkExists(ctx, tap) {
		if err := ipSuccess(ctx, "tuntap", "add", tap, "mode", "tap"); err != nil {
			return err
		}
		if err := waitForLink(ctx, tap); err != nil {
			return err
		}
	}

	if err := ipSuccess(ctx, "link", "set", tap, "up"); err != nil {
		return err
	}
	return ipSuccess(ctx, "link", "set", tap, "master", bridge)
}

// DeleteTapDevice tears down an instance's TAP device.
func (n *Network) DeleteTapDevice(ctx context.Context, instanceID vmid.Id) error {
	tap := n.TapName(instanceID)
	if err := ipSuccess(ctx, "link", "set", tap, "down"); err != nil {
		netLogger := log.WithNetwork(n.id.String())
		netLogger.Warn().Str("tap", tap).Err(err).Msg("tap device already down")
	}
	return ipSuccess(ctx, "link", "delete", tap)
}

// DeleteBridgeDevice tears down the network's bridge device.
func (n *Network) DeleteBridgeDevice(ctx context.Context) error {
	bridge := n.BridgeName()
	if err := ipSuccess(ctx, "link", "set", bridge, "down"); err != nil {
		netLogger := log.WithNetwork(n.id.String())
		netLogger.Warn().Str("bridge", bridge).Err(err).Msg("bridge device already down")
	}
	return ipSuccess(ctx, "link", "delete", bridge)
}

func linkExists(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, "ip", "link", "show", name).Run() == nil
}

func waitForLink(ctx context.Context, name string) error {
	for {
		if linkExists(ctx, name) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(devicePollInterval):
		}
	}
}

func ipSuccess(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip %v: %w: %s", args, err, out)
	}
	return nil
}

func nextIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func prevIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}

func bytesCompare(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	if a4 != nil && b4 != nil {
		a, b = a4, b4
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
