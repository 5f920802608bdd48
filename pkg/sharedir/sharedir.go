// Package sharedir manages one virtiofsd daemon per host directory shared
// into a guest, allocating a unique tag/socket pair and producing the QEMU
// argv fragments that wire it into an instance.
package sharedir

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/vmmd-project/vmmd/pkg/bytesize"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
)

const tagAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const tagLength = 8

// ShareDir is one virtiofsd instance exposing hostPath to an instance's
// guest over a UNIX socket.
type ShareDir struct {
	instanceID vmid.Id
	bootSeq    uint64
	tag        string
	hostPath   string
	socketPath string

	mu   sync.Mutex
	cmd  *exec.Cmd
	pump sync.WaitGroup
}

// SetBootSequence records which boot this share belongs to, so its pumped
// log lines land in that boot's instance log file. Instance.Read calls this
// after incrementing boot_seq and before Start.
func (s *ShareDir) SetBootSequence(bootSeq uint64) { s.bootSeq = bootSeq }

// New allocates a fresh ShareDir for hostPath, retrying the random tag until
// its derived socket path doesn't already exist.
func New(instanceID vmid.Id, hostPath string) (*ShareDir, error) {
	for {
		tag, err := randomTag()
		if err != nil {
			return nil, err
		}
		socket := socketPath(instanceID, tag)
		if _, err := os.Stat(socket); os.IsNotExist(err) {
			return &ShareDir{instanceID: instanceID, tag: tag, hostPath: hostPath, socketPath: socket}, nil
		}
	}
}

func randomTag() (string, error) {
	buf := make([]byte, tagLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share tag: %w", err)
	}
	out := make([]byte, tagLength)
	for i, b := range buf {
		out[i] = tagAlphabet[int(b)%len(tagAlphabet)]
	}
	return string(out), nil
}

func socketPath(id vmid.Id, tag string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("vmm-virtiofs-%s-%s.sock", id.String(), tag))
}

// Tag returns this share's random identifying tag.
func (s *ShareDir) Tag() string { return s.tag }

// SocketPath returns the UNIX socket virtiofsd listens on.
func (s *ShareDir) SocketPath() string { return s.socketPath }

// QemuArgs returns this share's chardev/device argv fragment. It does not
// include the memory-backend-file/numa object, which must be emitted once
// per instance via MemoryBackendArgs regardless of how many shares exist.
func (s *ShareDir) QemuArgs() []string {
	chardev := fmt.Sprintf("socket,id=char-%s,path=%s", s.tag, s.socketPath)
	device := fmt.Sprintf("vhost-user-fs-pci,queue-size=1024,chardev=char-%s,tag=%s", s.tag, s.tag)
	return []string{"-chardev", chardev, "-device", device}
}

// MemoryBackendArgs returns the memory-backend-file/numa argv fragment an
// instance must emit exactly once, sized to its total guest memory,
// regardless of how many ShareDirs it has.
func MemoryBackendArgs(memory bytesize.Byte) []string {
	mem := fmt.Sprintf("memory-backend-file,id=mem,size=%dB,mem-path=/dev/shm,share=on", memory.AsU64())
	return []string{"-object", mem, "-numa", "node,memdev=mem"}
}

// Start spawns virtiofsd if it isn't already running, wiring its stdout and
// stderr into lg. It returns true the first time it's called, false if the
// daemon is already running.
func (s *ShareDir) Start(ctx context.Context, lg *vmlog.Logger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return false, nil
	}

	virtiofsdArgs := []string{
		"--socket-path", s.socketPath,
		"--shared-dir", s.hostPath,
		"--tag", s.tag,
	}
	cmd := exec.CommandContext(ctx, "/usr/lib/virtiofsd", virtiofsdArgs...)

	instanceLogger := log.WithInstance(s.instanceID.String())
	instanceLogger.Debug().
		Str("argv", shellquote.Join(append([]string{"/usr/lib/virtiofsd"}, virtiofsdArgs...)...)).
		Msg("spawning virtiofsd")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("pipe virtiofsd stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("pipe virtiofsd stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("spawn virtiofsd: %w", err)
	}

	s.cmd = cmd
	s.pump.Add(2)
	go s.pumpLines(stdout, vmlog.Stdout, lg)
	go s.pumpLines(stderr, vmlog.Stderr, lg)

	return true, nil
}

func (s *ShareDir) pumpLines(r io.Reader, stream vmlog.Stream, lg *vmlog.Logger) {
	defer s.pump.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		_ = lg.Instance(s.instanceID, s.bootSeq, vmlog.SourceVirtiofs, stream, scanner.Text()+"\n")
	}
}

// Stop waits for virtiofsd to exit and drains its log pumps. It reports
// false if the daemon wasn't running.
func (s *ShareDir) Stop() (bool, error) {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()

	if cmd == nil {
		return false, nil
	}

	err := cmd.Wait()
	s.pump.Wait()
	if err != nil {
		return true, fmt.Errorf("virtiofsd exited with error: %w", err)
	}
	return true, nil
}
