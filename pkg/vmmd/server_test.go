package vmmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/machine"
	"github.com/vmmd-project/vmmd/pkg/network"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	l := layout.New(filepath.Join(t.TempDir(), "config"))
	lg := vmlog.New(l)
	return New(l, lg, imagecache.Client{})
}

func testNetworkConfig() network.Config {
	return network.Config{Name: "lan", CIDR: "10.0.0.0/24"}
}

func validMachineConfig(netID vmid.Id) machine.Config {
	return machine.Config{
		Name:   "web-1",
		CPUs:   2,
		Memory: 2 << 30,
		Image:  machine.Image{URL: "https://example.invalid/root.qcow2"},
		User:   machine.User{Name: "ubuntu", SSHAuthorizedKeys: []string{"ssh-ed25519 AAAA..."}},
		Network: machine.NetworkBinding{
			NetworkID: netID,
			Interface: machine.Interface{
				Kind: machine.InterfaceStatic,
				Static: &machine.StaticInterface{
					Interface:   "enp0s1",
					CIDR:        "10.0.0.5/24",
					Gateway:     "10.0.0.1",
					Nameservers: []string{"1.1.1.1"},
				},
			},
		},
	}
}

func TestCreateMachineRejectsDuplicateName(t *testing.T) {
	s := newTestServer(t)

	n, err := s.CreateNetwork(testNetworkConfig())
	require.NoError(t, err)

	cfg := validMachineConfig(n.Id())
	_, err = s.CreateMachine(cfg)
	require.NoError(t, err)

	_, err = s.CreateMachine(cfg)
	require.Error(t, err)
}

func TestCreateNetworkRejectsDuplicateName(t *testing.T) {
	s := newTestServer(t)

	_, err := s.CreateNetwork(testNetworkConfig())
	require.NoError(t, err)

	_, err = s.CreateNetwork(testNetworkConfig())
	require.Error(t, err)
}

func TestCreateInstanceRequiresKnownMachineAndNetwork(t *testing.T) {
	s := newTestServer(t)

	n, err := s.CreateNetwork(testNetworkConfig())
	require.NoError(t, err)
	m, err := s.CreateMachine(validMachineConfig(n.Id()))
	require.NoError(t, err)

	_, err = s.CreateInstance(m.Id(), n.Id())
	require.NoError(t, err)

	unknown, err := vmid.New()
	require.NoError(t, err)
	_, err = s.CreateInstance(m.Id(), unknown)
	require.Error(t, err)
}

func TestReadAllReconstructsInstancesAndBumpsBootSequence(t *testing.T) {
	l := layout.New(filepath.Join(t.TempDir(), "config"))
	lg := vmlog.New(l)

	s1 := New(l, lg, imagecache.Client{})
	n, err := s1.CreateNetwork(testNetworkConfig())
	require.NoError(t, err)
	m, err := s1.CreateMachine(validMachineConfig(n.Id()))
	require.NoError(t, err)
	inst, err := s1.CreateInstance(m.Id(), n.Id())
	require.NoError(t, err)
	require.EqualValues(t, 0, inst.BootSequence())

	s2 := New(l, lg, imagecache.Client{})
	require.NoError(t, s2.ReadAll())

	reloaded := s2.ListInstances()
	require.Len(t, reloaded, 1)
	require.Equal(t, inst.Id(), reloaded[0].Id())
	require.EqualValues(t, 1, reloaded[0].BootSequence())
}

func TestReadAllRejectsDuplicateMachineName(t *testing.T) {
	l := layout.New(filepath.Join(t.TempDir(), "config"))

	netID, err := vmid.New()
	require.NoError(t, err)
	_, err = network.New(l, netID, testNetworkConfig())
	require.NoError(t, err)

	cfg := validMachineConfig(netID)
	mID1, err := vmid.New()
	require.NoError(t, err)
	_, err = machine.Create(l, mID1, cfg)
	require.NoError(t, err)
	mID2, err := vmid.New()
	require.NoError(t, err)
	_, err = machine.Create(l, mID2, cfg)
	require.NoError(t, err)

	lg := vmlog.New(l)
	s2 := New(l, lg, imagecache.Client{})
	require.Error(t, s2.ReadAll())
}

func TestRunningRefcountTracksStartAndStop(t *testing.T) {
	s := newTestServer(t)

	n, err := s.CreateNetwork(testNetworkConfig())
	require.NoError(t, err)
	m, err := s.CreateMachine(validMachineConfig(n.Id()))
	require.NoError(t, err)
	inst, err := s.CreateInstance(m.Id(), n.Id())
	require.NoError(t, err)

	s.mu.Lock()
	s.markRunning(n.Id(), inst.Id())
	s.mu.Unlock()
	require.Len(t, s.runningOnNetwork[n.Id()], 1)

	s.mu.Lock()
	s.markStopped(n.Id(), inst.Id())
	s.mu.Unlock()
	require.Len(t, s.runningOnNetwork[n.Id()], 0)
}
