// Package layout maps (entity kind, id) pairs to filesystem paths under the
// config/cache/state roots. Resolving those roots themselves is the "XDG-style
// directory resolver" spec.md treats as an external collaborator; this
// package wraps github.com/adrg/xdg for that and owns everything above it.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/vmmd-project/vmmd/pkg/vmid"
)

// appDir matches spec.md §6's literal filesystem layout, e.g.
// <config>/vmm/machines/<id>/config.json.
const appDir = "vmm"

// Layout resolves every on-disk path vmmd reads or writes, rooted at the
// three XDG base directories.
type Layout struct {
	configRoot string
	cacheRoot  string
	stateRoot  string
}

// New builds a Layout from the XDG base directories. A non-empty configOverride
// replaces the XDG config root entirely (the CLI's --config flag), matching
// spec.md §6's "a top-level executable takes a --config <path>".
func New(configOverride string) *Layout {
	configRoot := filepath.Join(xdg.ConfigHome, appDir)
	if configOverride != "" {
		configRoot = configOverride
	}

	return &Layout{
		configRoot: configRoot,
		cacheRoot:  filepath.Join(xdg.CacheHome, appDir),
		stateRoot:  filepath.Join(xdg.StateHome, appDir),
	}
}

func ensureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", path, err)
	}
	return path, nil
}

// MachineConfigDir is <config>/vmm/machines/<id>.
func (l *Layout) MachineConfigDir(id vmid.Id) (string, error) {
	return ensureDir(filepath.Join(l.configRoot, "machines", id.String()))
}

// MachineConfigFile is <config>/vmm/machines/<id>/config.json.
func (l *Layout) MachineConfigFile(id vmid.Id) (string, error) {
	dir, err := l.MachineConfigDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// MachineNetworkConfigYAML is <config>/vmm/machines/<id>/network-config.yaml.
func (l *Layout) MachineNetworkConfigYAML(id vmid.Id) (string, error) {
	dir, err := l.MachineConfigDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "network-config.yaml"), nil
}

// MachineUserConfigYAML is <config>/vmm/machines/<id>/user-config.yaml.
func (l *Layout) MachineUserConfigYAML(id vmid.Id) (string, error) {
	dir, err := l.MachineConfigDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "user-config.yaml"), nil
}

// MachineCloudInitISO is <config>/vmm/machines/<id>/cloud-init.iso.
func (l *Layout) MachineCloudInitISO(id vmid.Id) (string, error) {
	dir, err := l.MachineConfigDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cloud-init.iso"), nil
}

// NetworkConfigDir is <config>/vmm/networks/<id>.
func (l *Layout) NetworkConfigDir(id vmid.Id) (string, error) {
	return ensureDir(filepath.Join(l.configRoot, "networks", id.String()))
}

// NetworkConfigFile is <config>/vmm/networks/<id>/config.json.
func (l *Layout) NetworkConfigFile(id vmid.Id) (string, error) {
	dir, err := l.NetworkConfigDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ImageCacheDir is <cache>/vmm/images — owned exclusively by the image cache
// actor; no other component writes here.
func (l *Layout) ImageCacheDir() (string, error) {
	return ensureDir(filepath.Join(l.cacheRoot, "images"))
}

// ImageCachePath is <cache>/vmm/images/<sha256-hex>.
func (l *Layout) ImageCachePath(hash string) (string, error) {
	dir, err := l.ImageCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hash), nil
}

// ImageDownloadDir is <cache>/vmm/downloads.
func (l *Layout) ImageDownloadDir() (string, error) {
	return ensureDir(filepath.Join(l.cacheRoot, "downloads"))
}

// ImageDownloadPath is <cache>/vmm/downloads/<n>.download.
func (l *Layout) ImageDownloadPath(downloadID uint64) (string, error) {
	dir, err := l.ImageDownloadDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%d.download", downloadID)), nil
}

// InstanceStateDir is <state>/vmm/instances/<id>.
func (l *Layout) InstanceStateDir(id vmid.Id) (string, error) {
	return ensureDir(filepath.Join(l.stateRoot, "instances", id.String()))
}

// InstanceStateFile is <state>/vmm/instances/<id>/state.json.
func (l *Layout) InstanceStateFile(id vmid.Id) (string, error) {
	dir, err := l.InstanceStateDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.json"), nil
}

// MachineLogDir is <state>/vmm/machines/<id>/logs.
func (l *Layout) MachineLogDir(id vmid.Id) (string, error) {
	return ensureDir(filepath.Join(l.stateRoot, "machines", id.String(), "logs"))
}

// InstanceLogDir is <state>/vmm/instances/<id>/logs.
func (l *Layout) InstanceLogDir(id vmid.Id) (string, error) {
	return ensureDir(filepath.Join(l.stateRoot, "instances", id.String(), "logs"))
}

// ListChildIds returns the ids of every child directory of dir whose name
// parses as a vmid.Id, used by the registry to discover persisted entities.
func ListChildIds(dir string) ([]vmid.Id, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var ids []vmid.Id
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := vmid.Parse(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MachinesRoot is <config>/vmm/machines.
func (l *Layout) MachinesRoot() string {
	return filepath.Join(l.configRoot, "machines")
}

// NetworksRoot is <config>/vmm/networks.
func (l *Layout) NetworksRoot() string {
	return filepath.Join(l.configRoot, "networks")
}

// InstancesRoot is <state>/vmm/instances.
func (l *Layout) InstancesRoot() string {
	return filepath.Join(l.stateRoot, "instances")
}
