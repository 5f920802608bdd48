// Package vmmd is the in-process registry of every machine, network, and
// instance vmmd knows about: it enforces name uniqueness within each
// entity kind, loads persisted entities back in on startup, and is the
// single place create/start/stop operations go through.
package vmmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/instance"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/machine"
	"github.com/vmmd-project/vmmd/pkg/network"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

// entityKind distinguishes the namespaces names are deduplicated within:
// a machine and a network may share a name, but two machines may not.
type entityKind int

const (
	entityMachine entityKind = iota
	entityNetwork
)

type nameKey struct {
	kind entityKind
	name string
}

// Server is the live registry of machines, networks, and instances. It also
// owns the refcount deciding when a Network's bridge device is torn down
// (Instance.Start brings it up whenever it is absent): the bridge-reuse logic in original_source/ relied on a
// hand-rolled refcount in one variant and created-per-start in another, so
// this is where that responsibility settles: bridge lifetime is
// Server-owned rather than Network- or Instance-owned.
type Server struct {
	layout     *layout.Layout
	vmlog      *vmlog.Logger
	imageCache imagecache.Client

	mu               sync.Mutex
	names            map[nameKey]vmid.Id
	machines         map[vmid.Id]*machine.Machine
	networks         map[vmid.Id]*network.Network
	instances        map[vmid.Id]*instance.Instance
	runningOnNetwork map[vmid.Id]map[vmid.Id]struct{} // networkID -> set of running instance ids
	loaded           bool
}

// New builds an empty Server. Call ReadAll to populate it from what's
// already persisted on disk.
func New(l *layout.Layout, lg *vmlog.Logger, imageCache imagecache.Client) *Server {
	return &Server{
		layout:          l,
		vmlog:           lg,
		imageCache:      imageCache,
		names:           make(map[nameKey]vmid.Id),
		machines:        make(map[vmid.Id]*machine.Machine),
		networks:        make(map[vmid.Id]*network.Network),
		instances:       make(map[vmid.Id]*instance.Instance),
		runningOnNetwork: make(map[vmid.Id]map[vmid.Id]struct{}),
	}
}

// ReadAll loads every persisted machine, network, and instance from disk,
// rebuilding the in-memory registry and its name index. It fails on the
// first duplicate name found within an entity kind.
func (s *Server) ReadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readMachines(); err != nil {
		return err
	}
	if err := s.readNetworks(); err != nil {
		return err
	}
	if err := s.readInstances(); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

// Loaded reports whether ReadAll has finished populating the registry from
// disk. A readiness probe hitting vmmd before this is true would otherwise
// see an empty registry and report healthy anyway.
func (s *Server) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Server) readMachines() error {
	ids, err := layout.ListChildIds(s.layout.MachinesRoot())
	if err != nil {
		return fmt.Errorf("list machine configs: %w", err)
	}
	for _, id := range ids {
		m, err := machine.Read(s.layout, id)
		if err != nil {
			return fmt.Errorf("read machine %s: %w", id, err)
		}
		key := nameKey{kind: entityMachine, name: m.Config().Name}
		if _, exists := s.names[key]; exists {
			return fmt.Errorf("machine name already exists: %s", m.Config().Name)
		}
		s.names[key] = id
		s.machines[id] = m
	}
	return nil
}

func (s *Server) readNetworks() error {
	ids, err := layout.ListChildIds(s.layout.NetworksRoot())
	if err != nil {
		return fmt.Errorf("list network configs: %w", err)
	}
	for _, id := range ids {
		n, err := network.Read(s.layout, id)
		if err != nil {
			return fmt.Errorf("read network %s: %w", id, err)
		}
		key := nameKey{kind: entityNetwork, name: n.Config().Name}
		if _, exists := s.names[key]; exists {
			return fmt.Errorf("network name already exists: %s", n.Config().Name)
		}
		s.names[key] = id
		s.networks[id] = n
	}
	return nil
}

func (s *Server) readInstances() error {
	ids, err := layout.ListChildIds(s.layout.InstancesRoot())
	if err != nil {
		return fmt.Errorf("list instance state: %w", err)
	}
	for _, id := range ids {
		if _, ok := s.instances[id]; ok {
			continue
		}

		state, err := instance.LoadState(s.layout, id)
		if err != nil {
			return fmt.Errorf("load instance state %s: %w", id, err)
		}

		m, ok := s.machines[state.MachineID]
		if !ok {
			return fmt.Errorf("instance %s: machine %s not found", id, state.MachineID)
		}
		n, ok := s.networks[state.NetworkID]
		if !ok {
			return fmt.Errorf("instance %s: network %s not found", id, state.NetworkID)
		}

		inst, err := instance.Read(s.layout, id, m, n)
		if err != nil {
			return fmt.Errorf("read instance %s: %w", id, err)
		}
		s.instances[id] = inst

		if state.Phase == instance.PhaseRunning {
			s.markRunning(state.NetworkID, id)
		}
	}
	return nil
}

// CreateMachine generates a fresh id and persists a new machine, failing
// if its name is already used by another machine.
func (s *Server) CreateMachine(config machine.Config) (*machine.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nameKey{kind: entityMachine, name: config.Name}
	if _, exists := s.names[key]; exists {
		return nil, fmt.Errorf("machine name already exists: %s", config.Name)
	}

	id, err := s.freshId(func(id vmid.Id) bool { _, ok := s.machines[id]; return ok })
	if err != nil {
		return nil, err
	}

	m, err := machine.Create(s.layout, id, config)
	if err != nil {
		return nil, err
	}

	s.names[key] = id
	s.machines[id] = m
	return m, nil
}

// CreateNetwork generates a fresh id and persists a new network, failing
// if its name is already used by another network.
func (s *Server) CreateNetwork(config network.Config) (*network.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nameKey{kind: entityNetwork, name: config.Name}
	if _, exists := s.names[key]; exists {
		return nil, fmt.Errorf("network name already exists: %s", config.Name)
	}

	id, err := s.freshId(func(id vmid.Id) bool { _, ok := s.networks[id]; return ok })
	if err != nil {
		return nil, err
	}

	n, err := network.New(s.layout, id, config)
	if err != nil {
		return nil, err
	}

	s.names[key] = id
	s.networks[id] = n
	return n, nil
}

// CreateInstance builds an Instance from an already-registered machine and
// network.
func (s *Server) CreateInstance(machineID, networkID vmid.Id) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[machineID]
	if !ok {
		return nil, fmt.Errorf("machine not found: %s", machineID)
	}
	n, ok := s.networks[networkID]
	if !ok {
		return nil, fmt.Errorf("network not found: %s", networkID)
	}

	id, err := s.freshId(func(id vmid.Id) bool { _, ok := s.instances[id]; return ok })
	if err != nil {
		return nil, err
	}

	inst, err := instance.New(s.layout, id, m, n)
	if err != nil {
		return nil, err
	}

	s.instances[id] = inst
	return inst, nil
}

// StartInstance starts a previously created instance (Instance.Start brings
// up its network's bridge if the device is absent) and records it as a
// running reference to that network.
func (s *Server) StartInstance(ctx context.Context, id vmid.Id) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance not found: %s", id)
	}

	if err := inst.Start(ctx, s.layout, s.vmlog, s.imageCache); err != nil {
		return fmt.Errorf("start instance %s: %w", id, err)
	}

	s.mu.Lock()
	s.markRunning(inst.Machine().Config().Network.NetworkID, id)
	s.mu.Unlock()
	return nil
}

// StopInstance stops a running instance. It does not tear down the
// instance's TAP or its network's bridge refcount entry beyond marking it
// no longer running — those devices stay reserved until DestroyInstance,
// matching original_source/instance.rs's stop(), which never touches TAP
// or bridge either.
func (s *Server) StopInstance(ctx context.Context, id vmid.Id) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance not found: %s", id)
	}

	if err := inst.Stop(ctx, s.layout); err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}

	s.mu.Lock()
	s.markStopped(inst.Machine().Config().Network.NetworkID, id)
	s.mu.Unlock()
	return nil
}

// DestroyInstance removes a stopped instance's registration and tears down
// its network devices: the TAP always, and the bridge if no other running
// instance still references the Network. This is the "Server's job at
// destroy time" original_source/instance.rs's stop() explicitly defers.
func (s *Server) DestroyInstance(ctx context.Context, id vmid.Id) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("instance not found: %s", id)
	}
	networkID := inst.Machine().Config().Network.NetworkID
	n, ok := s.networks[networkID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("network not found: %s", networkID)
	}
	s.mu.Unlock()

	if err := n.DeleteTapDevice(ctx, id); err != nil {
		return fmt.Errorf("delete tap for instance %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.markStopped(networkID, id)
	if len(s.runningOnNetwork[networkID]) == 0 {
		if err := n.DeleteBridgeDevice(ctx); err != nil {
			return fmt.Errorf("delete bridge for network %s: %w", networkID, err)
		}
	}

	delete(s.instances, id)
	return nil
}

// markRunning records id as a running reference to networkID. Must be
// called with s.mu held.
func (s *Server) markRunning(networkID, id vmid.Id) {
	if s.runningOnNetwork[networkID] == nil {
		s.runningOnNetwork[networkID] = make(map[vmid.Id]struct{})
	}
	s.runningOnNetwork[networkID][id] = struct{}{}
}

// markStopped removes id from networkID's running set. Must be called with
// s.mu held.
func (s *Server) markStopped(networkID, id vmid.Id) {
	delete(s.runningOnNetwork[networkID], id)
}

// ListMachines returns every registered machine.
func (s *Server) ListMachines() []*machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*machine.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// ListNetworks returns every registered network.
func (s *Server) ListNetworks() []*network.Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*network.Network, 0, len(s.networks))
	for _, n := range s.networks {
		out = append(out, n)
	}
	return out
}

// ListInstances returns every registered instance.
func (s *Server) ListInstances() []*instance.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// GetMachine returns a registered machine by id.
func (s *Server) GetMachine(id vmid.Id) (*machine.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine not found: %s", id)
	}
	return m, nil
}

// GetNetwork returns a registered network by id.
func (s *Server) GetNetwork(id vmid.Id) (*network.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[id]
	if !ok {
		return nil, fmt.Errorf("network not found: %s", id)
	}
	return n, nil
}

// GetInstance returns a registered instance by id.
func (s *Server) GetInstance(id vmid.Id) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance not found: %s", id)
	}
	return inst, nil
}

// freshId generates ids until one passes taken, matching the retry loop
// original_source/server.rs uses for each entity kind's id allocation.
// Must be called with s.mu held.
func (s *Server) freshId(taken func(vmid.Id) bool) (vmid.Id, error) {
	for {
		id, err := vmid.New()
		if err != nil {
			return vmid.Id{}, fmt.Errorf("generate id: %w", err)
		}
		if !taken(id) {
			return id, nil
		}
	}
}
