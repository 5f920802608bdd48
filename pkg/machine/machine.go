// Package machine persists MachineConfig records and resolves a machine's
// root disk image through the image cache.
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	qcow2reader "github.com/lima-vm/go-qcow2reader"

	"github.com/vmmd-project/vmmd/pkg/bytesize"
	"github.com/vmmd-project/vmmd/pkg/cloudinit"
	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

// Image is a guest root image reference: a source URL and an optional
// expected SHA-256 hex digest the image cache must match before trusting a
// cached copy.
type Image struct {
	URL          string `json:"url"`
	ExpectedHash string `json:"expected_hash,omitempty"`
}

// IntegrityError reports that the hash the image cache resolved a download
// to does not match the machine's configured ExpectedHash. The cache itself
// never filters on expected_hash — ImageCached(h) is published for whatever
// h the bytes actually hashed to, and each caller that cares about a
// specific hash is responsible for rejecting a mismatch itself.
type IntegrityError struct {
	URL      string
	Expected imagecache.Hash
	Actual   imagecache.Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("image %s: hash mismatch: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// User is the guest's initial login user.
type User struct {
	Name              string   `json:"name"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// InterfaceKind tags which variant of Interface is populated. Static is the
// only variant spec requires; Dhcp is reserved for a future addition.
type InterfaceKind string

const InterfaceStatic InterfaceKind = "static"

// StaticInterface is a fixed IPv4 address, gateway, and resolver set.
type StaticInterface struct {
	Interface   string   `json:"interface"`
	CIDR        string   `json:"cidr"`
	Gateway     string   `json:"gateway"`
	Nameservers []string `json:"nameservers"`
}

// Interface is a tagged variant over guest network interface descriptors.
type Interface struct {
	Kind   InterfaceKind    `json:"kind"`
	Static *StaticInterface `json:"static,omitempty"`
}

// NetworkBinding attaches a machine to a network and describes how its
// guest interface is configured.
type NetworkBinding struct {
	NetworkID vmid.Id   `json:"network_id"`
	Interface Interface `json:"interface"`
}

// Config is a machine's persistent configuration.
type Config struct {
	Name      string        `json:"name"`
	CPUs      uint8         `json:"cpus"`
	Memory    bytesize.Byte `json:"memory"`
	Image     Image         `json:"image"`
	ShareDirs []string      `json:"share_dirs,omitempty"`
	User      User          `json:"user"`
	Network   NetworkBinding `json:"network"`
}

// Machine is a configured virtual machine definition.
type Machine struct {
	id     vmid.Id
	config Config
}

// Create persists a new machine's configuration. It fails if config already
// exists for this id.
func Create(l *layout.Layout, id vmid.Id, config Config) (*Machine, error) {
	dir := filepath.Join(l.MachinesRoot(), id.String())
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("machine config exists: %s", dir)
	}

	path, err := l.MachineConfigFile(id)
	if err != nil {
		return nil, err
	}

	if err := writeConfigAtomically(path, config); err != nil {
		return nil, err
	}

	return &Machine{id: id, config: config}, nil
}

// Read loads a previously persisted machine's configuration. It fails if
// the config file doesn't exist.
func Read(l *layout.Layout, id vmid.Id) (*Machine, error) {
	path, err := l.MachineConfigFile(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine config: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse machine config: %w", err)
	}

	return &Machine{id: id, config: config}, nil
}

// Save rewrites the whole configuration file atomically.
func (m *Machine) Save(l *layout.Layout) error {
	path, err := l.MachineConfigFile(m.id)
	if err != nil {
		return err
	}
	return writeConfigAtomically(path, m.config)
}

func writeConfigAtomically(path string, config Config) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal machine config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write machine config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit machine config: %w", err)
	}
	return nil
}

// Id returns the machine's id.
func (m *Machine) Id() vmid.Id { return m.id }

// Config returns the machine's configuration.
func (m *Machine) Config() Config { return m.config }

// SetConfig replaces the in-memory configuration; callers must call Save to
// persist it.
func (m *Machine) SetConfig(config Config) { m.config = config }

// RootImagePath resolves this machine's root image through the image
// cache, downloading it first if necessary, and returns its path in the
// content-addressed cache directory.
func (m *Machine) RootImagePath(ctx context.Context, l *layout.Layout, client imagecache.Client) (string, error) {
	expected := imagecache.Hash(m.config.Image.ExpectedHash)

	result, err := client.GetImageHash(ctx, l, m.config.Image.URL, expected)
	if err != nil {
		return "", fmt.Errorf("resolve root image: %w", err)
	}
	if result.Kind != imagecache.ImageCached {
		if result.Error != nil {
			return "", fmt.Errorf("resolve root image: %w", result.Error)
		}
		return "", fmt.Errorf("resolve root image: download did not complete")
	}
	if expected != "" && result.Hash != expected {
		return "", &IntegrityError{URL: m.config.Image.URL, Expected: expected, Actual: result.Hash}
	}

	path, err := l.ImageCachePath(string(result.Hash))
	if err != nil {
		return "", err
	}

	logImageDiagnostics(m.id, path)
	return path, nil
}

// BuildCloudInitISO renders this machine's network-config and user-config
// cloud-init YAML into its config directory (each written once and left
// alone after that) and builds the seed ISO via cloud-localds, returning
// its path. It is idempotent across restarts: a prior ISO is reused.
func (m *Machine) BuildCloudInitISO(ctx context.Context, l *layout.Layout, lg *vmlog.Logger) (string, error) {
	dir, err := l.MachineConfigDir(m.id)
	if err != nil {
		return "", err
	}

	iface := m.config.Network.Interface
	if iface.Kind != InterfaceStatic || iface.Static == nil {
		return "", fmt.Errorf("machine %s: unsupported network interface kind %q", m.id, iface.Kind)
	}

	networkBody, err := cloudinit.RenderNetworkConfig(cloudinit.StaticNetwork{
		Interface:   iface.Static.Interface,
		CIDR:        iface.Static.CIDR,
		Gateway:     iface.Static.Gateway,
		Nameservers: iface.Static.Nameservers,
	})
	if err != nil {
		return "", fmt.Errorf("render network-config: %w", err)
	}

	networkPath, err := l.MachineNetworkConfigYAML(m.id)
	if err != nil {
		return "", err
	}
	if _, err := cloudinit.WriteIfMissing(networkPath, networkBody); err != nil {
		return "", err
	}

	userBody, err := cloudinit.RenderUserConfig(m.config.User.Name, m.config.User.SSHAuthorizedKeys)
	if err != nil {
		return "", fmt.Errorf("render user-config: %w", err)
	}

	userPath, err := l.MachineUserConfigYAML(m.id)
	if err != nil {
		return "", err
	}
	if _, err := cloudinit.WriteIfMissing(userPath, userBody); err != nil {
		return "", err
	}

	return cloudinit.BuildISO(ctx, dir, m.id, lg)
}

// logImageDiagnostics peeks the qcow2 header for the guest's declared
// virtual size. Failures are logged, never surfaced: this is purely
// informational, never authoritative over what the cache already verified
// by SHA-256.
func logImageDiagnostics(id vmid.Id, path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	machineLogger := log.WithMachine(id.String())

	img, err := qcow2reader.Open(f)
	if err != nil {
		machineLogger.Debug().Err(err).Msg("root image is not a readable qcow2; skipping diagnostics")
		return
	}
	defer img.Close()

	machineLogger.Info().
		Int64("virtual_size_bytes", img.Size()).
		Str("format", string(img.Type())).
		Msg("resolved root image")
}
