package network

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/vmid"
)

func TestNewRejectsDuplicateConfig(t *testing.T) {
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))

	id, err := vmid.New()
	require.NoError(t, err)

	_, err = New(l, id, Config{Name: "lan", CIDR: "10.10.0.1/24"})
	require.NoError(t, err)

	_, err = New(l, id, Config{Name: "lan", CIDR: "10.10.0.1/24"})
	require.Error(t, err)
}

func TestNewRejectsInvalidCIDR(t *testing.T) {
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))

	id, err := vmid.New()
	require.NoError(t, err)

	_, err = New(l, id, Config{Name: "lan", CIDR: "not-a-cidr"})
	require.Error(t, err)
}

func TestReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))

	id, err := vmid.New()
	require.NoError(t, err)

	created, err := New(l, id, Config{Name: "lan", CIDR: "10.10.0.1/24"})
	require.NoError(t, err)

	read, err := Read(l, id)
	require.NoError(t, err)
	require.Equal(t, created.Config(), read.Config())
	require.Equal(t, created.Gateway().String(), read.Gateway().String())
}

func TestDeterministicDeviceNames(t *testing.T) {
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))

	id, err := vmid.New()
	require.NoError(t, err)
	instanceID, err := vmid.New()
	require.NoError(t, err)

	n, err := New(l, id, Config{Name: "lan", CIDR: "10.10.0.1/24"})
	require.NoError(t, err)

	require.Equal(t, "vmmbr-"+id.Suffix(4), n.BridgeName())
	require.Equal(t, "vmmtap-"+instanceID.Suffix(4), n.TapName(instanceID))
}

func TestUsableHostRange(t *testing.T) {
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "config"))

	id, err := vmid.New()
	require.NoError(t, err)

	n, err := New(l, id, Config{Name: "lan", CIDR: "10.10.0.1/24"})
	require.NoError(t, err)

	first, last, err := n.UsableHostRange()
	require.NoError(t, err)
	require.Equal(t, "10.10.0.1", first.String())
	require.Equal(t, "10.10.0.254", last.String())
}
