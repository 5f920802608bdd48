package cloudinit

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs"
	"github.com/stretchr/testify/require"

	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

func TestRenderNetworkConfigIsNetplanV2(t *testing.T) {
	body, err := RenderNetworkConfig(StaticNetwork{
		Interface:   "enp0s1",
		CIDR:        "10.0.0.5/24",
		Gateway:     "10.0.0.1",
		Nameservers: []string{"1.1.1.1", "8.8.8.8"},
	})
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "version: 2")
	require.Contains(t, text, "enp0s1")
	require.Contains(t, text, "dhcp4: \"no\"")
	require.Contains(t, text, "10.0.0.5/24")
	require.Contains(t, text, "gateway4: 10.0.0.1")
}

func TestRenderUserConfig(t *testing.T) {
	body, err := RenderUserConfig("ubuntu", []string{"ssh-ed25519 AAAA..."})
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "name: ubuntu")
	require.Contains(t, text, "ssh_authorized_keys")
	require.Contains(t, text, "ssh-ed25519 AAAA...")
}

func TestWriteIfMissingSkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user-config.yaml")

	wrote, err := WriteIfMissing(path, []byte("users: []\n"))
	require.NoError(t, err)
	require.True(t, wrote)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, cloudConfigHeader+"users: []\n", string(data))

	wrote, err = WriteIfMissing(path, []byte("users:\n  - name: someone-else\n"))
	require.NoError(t, err)
	require.False(t, wrote)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, cloudConfigHeader+"users: []\n", string(data))
}

func TestBuildISOIsIdempotentAndReadableByDiskfs(t *testing.T) {
	if _, err := exec.LookPath("cloud-localds"); err != nil {
		t.Skip("cloud-localds not available on PATH")
	}

	dir := t.TempDir()

	networkBody, err := RenderNetworkConfig(StaticNetwork{
		Interface: "enp0s1", CIDR: "10.0.0.5/24", Gateway: "10.0.0.1",
		Nameservers: []string{"1.1.1.1"},
	})
	require.NoError(t, err)
	_, err = WriteIfMissing(filepath.Join(dir, "network-config.yaml"), networkBody)
	require.NoError(t, err)

	userBody, err := RenderUserConfig("ubuntu", []string{"ssh-ed25519 AAAA..."})
	require.NoError(t, err)
	_, err = WriteIfMissing(filepath.Join(dir, "user-config.yaml"), userBody)
	require.NoError(t, err)

	id, err := vmid.New()
	require.NoError(t, err)
	l := layout.New(filepath.Join(t.TempDir(), "config"))
	lg := vmlog.New(l)

	isoPath, err := BuildISO(context.Background(), dir, id, lg)
	require.NoError(t, err)
	require.FileExists(t, isoPath)

	disk, err := diskfs.Open(isoPath)
	require.NoError(t, err)

	fs, err := disk.GetFilesystem(0)
	require.NoError(t, err)

	entries, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	secondPath, err := BuildISO(context.Background(), dir, id, lg)
	require.NoError(t, err)
	require.Equal(t, isoPath, secondPath)
}
