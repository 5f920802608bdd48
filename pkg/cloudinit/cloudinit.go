// Package cloudinit renders the Netplan v2 network-config and user-config
// cloud-init YAML files for a machine and builds the seed ISO that carries
// them to the guest via cloud-localds.
package cloudinit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

const cloudConfigHeader = "#cloud-config\n"

// StaticNetwork is the only interface descriptor variant spec requires.
type StaticNetwork struct {
	Interface   string
	CIDR        string
	Gateway     string
	Nameservers []string
}

type netplanRoot struct {
	Network netplanNetwork `yaml:"network"`
}

type netplanNetwork struct {
	Version   int                        `yaml:"version"`
	Ethernets map[string]netplanEthernet `yaml:"ethernets"`
}

type netplanEthernet struct {
	DHCP4       string   `yaml:"dhcp4"`
	Addresses   []string `yaml:"addresses"`
	Gateway4    string   `yaml:"gateway4"`
	Nameservers []string `yaml:"nameservers"`
}

// RenderNetworkConfig produces the Netplan v2 YAML body (without the
// cloud-config header) for a single static-addressed interface.
func RenderNetworkConfig(n StaticNetwork) ([]byte, error) {
	root := netplanRoot{
		Network: netplanNetwork{
			Version: 2,
			Ethernets: map[string]netplanEthernet{
				n.Interface: {
					DHCP4:       "no",
					Addresses:   []string{n.CIDR},
					Gateway4:    n.Gateway,
					Nameservers: n.Nameservers,
				},
			},
		},
	}
	return yaml.Marshal(root)
}

type userRoot struct {
	Users []cloudInitUser `yaml:"users"`
}

type cloudInitUser struct {
	Name              string   `yaml:"name"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// RenderUserConfig produces the user-config YAML body (without the
// cloud-config header) for the guest's initial login user.
func RenderUserConfig(name string, sshAuthorizedKeys []string) ([]byte, error) {
	root := userRoot{Users: []cloudInitUser{{Name: name, SSHAuthorizedKeys: sshAuthorizedKeys}}}
	return yaml.Marshal(root)
}

// WriteIfMissing writes body, prefixed with the cloud-config header, to
// path unless it already exists. It reports whether it wrote the file.
func WriteIfMissing(path string, body []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(cloudConfigHeader); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := f.Write(body); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// BuildISO invokes cloud-localds against network-config.yaml and
// user-config.yaml in dir, producing cloud-init.iso there, and returns its
// path. It is idempotent: an existing ISO is returned without re-invoking
// cloud-localds.
func BuildISO(ctx context.Context, dir string, id vmid.Id, lg *vmlog.Logger) (string, error) {
	isoPath := filepath.Join(dir, "cloud-init.iso")
	if _, err := os.Stat(isoPath); err == nil {
		return isoPath, nil
	}

	cmd := exec.CommandContext(ctx, "cloud-localds",
		"-v", "cloud-init.iso",
		"--network=network-config.yaml",
		"user-config.yaml",
	)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe cloud-localds stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("pipe cloud-localds stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn cloud-localds: %w", err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(&pumps, stdout, vmlog.Stdout, id, lg)
	go pumpLines(&pumps, stderr, vmlog.Stderr, id, lg)

	err = cmd.Wait()
	pumps.Wait()
	if err != nil {
		return "", fmt.Errorf("cloud-localds exited with error: %w", err)
	}

	return isoPath, nil
}

func pumpLines(wg *sync.WaitGroup, r io.Reader, stream vmlog.Stream, id vmid.Id, lg *vmlog.Logger) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		_ = lg.Machine(id, vmlog.SourceCloudInit, stream, scanner.Text()+"\n")
	}
}
