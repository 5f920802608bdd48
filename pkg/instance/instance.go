// Package instance runs a machine's configuration as a live QEMU process:
// bringing up its network devices and virtiofsd shares, building the QEMU
// argv, and supervising the process through start/stop.
package instance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/kballard/go-shellquote"

	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/machine"
	"github.com/vmmd-project/vmmd/pkg/network"
	"github.com/vmmd-project/vmmd/pkg/sharedir"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

// qmpShutdownTimeout bounds how long Stop waits for a graceful
// system_powerdown over QMP before killing the qemu process outright.
const qmpShutdownTimeout = 10 * time.Second

// Phase is an instance's lifecycle state, persisted across restarts of
// vmmd itself.
type Phase string

const (
	PhaseNew     Phase = "new"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
)

// State is what's persisted to state.json: the instance's identity, which
// machine and network it was built from, its current phase, and a boot
// sequence number incremented on every successful read (i.e. every time
// vmmd reconstructs this instance after a restart), so a restarted vmmd can
// tell one boot's logs apart from the next.
type State struct {
	Id           vmid.Id `json:"id"`
	MachineID    vmid.Id `json:"machine_id"`
	NetworkID    vmid.Id `json:"network_id"`
	Phase        Phase   `json:"phase"`
	BootSequence uint64  `json:"boot_seq"`
}

// LoadState reads an instance's persisted state, returning the zero state
// (PhaseNew, sequence 0) if none has been written yet.
func LoadState(l *layout.Layout, id vmid.Id) (State, error) {
	path, err := l.InstanceStateFile(id)
	if err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{Id: id, Phase: PhaseNew}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read instance state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse instance state: %w", err)
	}
	return s, nil
}

func saveState(l *layout.Layout, id vmid.Id, s State) error {
	path, err := l.InstanceStateFile(id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal instance state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write instance state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Instance is a running (or stopped) VM built from a Machine's
// configuration, attached to a Network, with one ShareDir per configured
// host directory.
type Instance struct {
	id        vmid.Id
	bootSeq   uint64
	machine   *machine.Machine
	network   *network.Network
	shareDirs []*sharedir.ShareDir

	mu    sync.Mutex
	cmd   *exec.Cmd
	pumps sync.WaitGroup
	phase Phase
}

// Phase returns the instance's last-known lifecycle phase, updated in
// memory by New/Read/Start/Stop. Callers needing the authoritative,
// restart-durable value should use LoadState instead.
func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// New creates a brand new instance from a machine and the network it's
// attached to, persisting its initial state (boot_seq 0, PhaseNew) and
// allocating a ShareDir for each of the machine's configured share
// directories. It fails if state already exists for id. It does not start
// anything; callers that need to reconstruct an already-created instance
// after a vmmd restart should use Read instead.
func New(l *layout.Layout, id vmid.Id, m *machine.Machine, n *network.Network) (*Instance, error) {
	path, err := l.InstanceStateFile(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("instance already exists: %s", id)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat instance state: %w", err)
	}

	state := State{Id: id, MachineID: m.Id(), NetworkID: n.Id(), Phase: PhaseNew, BootSequence: 0}
	if err := saveState(l, id, state); err != nil {
		return nil, err
	}

	shareDirs, err := buildShareDirs(id, 0, m)
	if err != nil {
		return nil, err
	}

	return &Instance{id: id, bootSeq: 0, machine: m, network: n, shareDirs: shareDirs, phase: PhaseNew}, nil
}

// Read reconstructs an already-created instance from its persisted state,
// incrementing and rewriting boot_seq before constructing this boot's
// ShareDirs. m and n must be the machine and network already resolved by
// the caller from state.MachineID/state.NetworkID.
func Read(l *layout.Layout, id vmid.Id, m *machine.Machine, n *network.Network) (*Instance, error) {
	state, err := LoadState(l, id)
	if err != nil {
		return nil, err
	}
	if state.Id == (vmid.Id{}) {
		state.Id = id
	}
	if state.MachineID != m.Id() {
		return nil, fmt.Errorf("instance %s: persisted machine_id %s does not match %s", id, state.MachineID, m.Id())
	}
	if state.NetworkID != n.Id() {
		return nil, fmt.Errorf("instance %s: persisted network_id %s does not match %s", id, state.NetworkID, n.Id())
	}

	state.BootSequence++
	if err := saveState(l, id, state); err != nil {
		return nil, err
	}

	shareDirs, err := buildShareDirs(id, state.BootSequence, m)
	if err != nil {
		return nil, err
	}

	return &Instance{id: id, bootSeq: state.BootSequence, machine: m, network: n, shareDirs: shareDirs, phase: state.Phase}, nil
}

func buildShareDirs(id vmid.Id, bootSeq uint64, m *machine.Machine) ([]*sharedir.ShareDir, error) {
	shareDirs := make([]*sharedir.ShareDir, 0, len(m.Config().ShareDirs))
	for _, path := range m.Config().ShareDirs {
		sd, err := sharedir.New(id, path)
		if err != nil {
			return nil, fmt.Errorf("create share dir for %s: %w", path, err)
		}
		sd.SetBootSequence(bootSeq)
		shareDirs = append(shareDirs, sd)
	}
	return shareDirs, nil
}

// Id returns the instance's id.
func (i *Instance) Id() vmid.Id { return i.id }

// BootSequence returns the boot sequence number this instance is currently
// running under.
func (i *Instance) BootSequence() uint64 { return i.bootSeq }

// Machine returns the machine this instance was built from.
func (i *Instance) Machine() *machine.Machine { return i.machine }

func qmpSocketPath(id vmid.Id) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("vmm-qmp-%s.sock", id.String()))
}

func (i *Instance) qemuArgs(ctx context.Context, l *layout.Layout, lg *vmlog.Logger, cache imagecache.Client) ([]string, error) {
	config := i.machine.Config()

	tap := i.network.TapName(i.id)
	netDevice := fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", tap, i.id.MAC())
	netdev := fmt.Sprintf("tap,id=%s,ifname=%s,script=no", tap, tap)

	isoPath, err := i.machine.BuildCloudInitISO(ctx, l, lg)
	if err != nil {
		return nil, fmt.Errorf("build cloud-init iso: %w", err)
	}
	isoDrive := fmt.Sprintf("file=%s,media=cdrom", isoPath)

	rootImage, err := i.machine.RootImagePath(ctx, l, cache)
	if err != nil {
		return nil, fmt.Errorf("resolve root image: %w", err)
	}
	rootDrive := fmt.Sprintf("file=%s,if=virtio,cache=writeback,discard=ignore,format=qcow2", rootImage)

	qmpSocket := fmt.Sprintf("unix:%s,server,nowait", qmpSocketPath(i.id))

	args := []string{
		"-machine", "type=pc,accel=kvm",
		"-boot", "d",
		"-smp", fmt.Sprintf("%d", config.CPUs),
		"-m", fmt.Sprintf("%dB", config.Memory.AsU64()),
		"-device", netDevice,
		"-netdev", netdev,
		"-drive", isoDrive,
		"-drive", rootDrive,
		"-nographic",
		"-qmp", qmpSocket,
	}

	args = append(args, sharedir.MemoryBackendArgs(config.Memory)...)
	for _, sd := range i.shareDirs {
		args = append(args, sd.QemuArgs()...)
	}

	return args, nil
}

// Start brings up this instance's bridge and TAP device, starts its
// virtiofsd shares, and spawns qemu if it isn't already running. It is
// safe to call repeatedly; a second call while qemu is already running is
// a no-op.
func (i *Instance) Start(ctx context.Context, l *layout.Layout, lg *vmlog.Logger, cache imagecache.Client) error {
	if err := i.network.EnsureBridgeUp(ctx); err != nil {
		return fmt.Errorf("bring up bridge: %w", err)
	}
	if err := i.network.EnsureTapUp(ctx, i.id); err != nil {
		return fmt.Errorf("bring up tap: %w", err)
	}

	for _, sd := range i.shareDirs {
		if _, err := sd.Start(ctx, lg); err != nil {
			return fmt.Errorf("start share dir %s: %w", sd.Tag(), err)
		}
	}

	args, err := i.qemuArgs(ctx, l, lg, cache)
	if err != nil {
		return err
	}

	i.mu.Lock()
	alreadyRunning := i.cmd != nil
	i.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	if err := i.startQemu(args, lg); err != nil {
		return err
	}

	state, err := LoadState(l, i.id)
	if err != nil {
		return err
	}
	state.Phase = PhaseRunning
	if err := saveState(l, i.id, state); err != nil {
		return err
	}
	i.mu.Lock()
	i.phase = PhaseRunning
	i.mu.Unlock()
	return nil
}

func (i *Instance) startQemu(args []string, lg *vmlog.Logger) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cmd != nil {
		return fmt.Errorf("qemu already running for instance %s", i.id)
	}

	cmd := exec.Command("qemu-system-x86_64", args...)

	log.WithInstance(i.id.String()).Debug().
		Str("argv", shellquote.Join(append([]string{"qemu-system-x86_64"}, args...)...)).
		Msg("spawning qemu")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe qemu stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe qemu stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn qemu: %w", err)
	}

	i.cmd = cmd
	i.pumps.Add(2)
	go i.pumpLines(stdout, vmlog.Stdout, lg)
	go i.pumpLines(stderr, vmlog.Stderr, lg)

	log.WithInstance(i.id.String()).Info().Msg("qemu started")
	return nil
}

func (i *Instance) pumpLines(r io.Reader, stream vmlog.Stream, lg *vmlog.Logger) {
	defer i.pumps.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		_ = lg.Instance(i.id, i.bootSeq, vmlog.SourceQemu, stream, scanner.Text()+"\n")
	}
}

// Stop asks qemu to power down gracefully over QMP, falling back to
// killing the process if it doesn't exit within the caller's ctx budget
// (or qmpShutdownTimeout, whichever is shorter), then stops this
// instance's virtiofsd shares. It does not touch the TAP device or the
// network's bridge refcount: Server owns both, tearing the TAP down in
// DestroyInstance once the instance is no longer running.
func (i *Instance) Stop(ctx context.Context, l *layout.Layout) error {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if err := i.requestPowerdown(ctx); err != nil {
		log.WithInstance(i.id.String()).Warn().Err(err).Msg("qmp system_powerdown failed, waiting for qemu to exit before killing it")
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			log.WithInstance(i.id.String()).Warn().Err(err).Msg("qemu exited with error")
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	case <-time.After(killFallbackTimeout(ctx)):
		_ = cmd.Process.Kill()
		<-exited
	}

	i.pumps.Wait()

	i.mu.Lock()
	i.cmd = nil
	i.mu.Unlock()

	for _, sd := range i.shareDirs {
		if _, err := sd.Stop(); err != nil {
			log.WithInstance(i.id.String()).Warn().Err(err).Msg("share dir exited with error")
		}
	}

	state, err := LoadState(l, i.id)
	if err != nil {
		return err
	}
	state.Phase = PhaseStopped
	if err := saveState(l, i.id, state); err != nil {
		return err
	}
	i.mu.Lock()
	i.phase = PhaseStopped
	i.mu.Unlock()
	return nil
}

// killFallbackTimeout bounds how long Stop waits for qemu to exit on its
// own before killing it outright: the caller's ctx deadline if it leaves
// less than qmpShutdownTimeout, otherwise qmpShutdownTimeout itself. This
// is what keeps a single Stop call inside the budget a caller like
// cmd/vmmd's server shutdown path encodes in ctx, instead of always
// blocking up to the fixed constant regardless of how little time the
// caller has left.
func killFallbackTimeout(ctx context.Context) time.Duration {
	timeout := qmpShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// requestPowerdown asks the running qemu process to shut the guest down
// cleanly via QMP's system_powerdown. original_source/instance.rs has no
// equivalent: it only ever waits for the process to exit on its own. QMP
// resolves spec.md's open question on how Stop triggers a graceful guest
// shutdown rather than just killing the process.
func (i *Instance) requestPowerdown(ctx context.Context) error {
	monitor, err := qmp.NewSocketMonitor("unix", qmpSocketPath(i.id), killFallbackTimeout(ctx))
	if err != nil {
		return fmt.Errorf("connect qmp socket: %w", err)
	}
	if err := monitor.Connect(); err != nil {
		return fmt.Errorf("qmp handshake: %w", err)
	}
	defer monitor.Disconnect()

	if _, err := monitor.Run([]byte(`{"execute": "system_powerdown"}`)); err != nil {
		return fmt.Errorf("qmp system_powerdown: %w", err)
	}
	return nil
}
