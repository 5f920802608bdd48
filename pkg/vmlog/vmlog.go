// Package vmlog stores subprocess output (QEMU, virtiofsd, cloud-localds) on
// disk, one append-only file per entity/day/stream, distinct from pkg/log's
// structured ambient logging: this is the log a user tails after the fact,
// not the log an operator watches live.
package vmlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/vmid"
)

// Stream identifies which subprocess stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Source identifies which subprocess produced a line.
type Source string

const (
	SourceCloudInit Source = "cloud-init"
	SourceQemu      Source = "qemu"
	SourceVirtiofs  Source = "virtiofs"
)

// Logger appends lines under the layout's per-entity log directories.
type Logger struct {
	layout *layout.Layout
}

// New builds a Logger rooted at the given Layout.
func New(l *layout.Layout) *Logger {
	return &Logger{layout: l}
}

// Machine appends a line to a machine's log for the given source and stream.
func (lg *Logger) Machine(id vmid.Id, source Source, stream Stream, line string) error {
	dir, err := lg.layout.MachineLogDir(id)
	if err != nil {
		return err
	}
	daysSinceEpoch := time.Now().Unix() / 86_400
	name := fmt.Sprintf("%s.%d.%s", source, daysSinceEpoch, stream)
	return appendLine(dir, name, line)
}

// Instance appends a line to an instance's log for the given source and
// stream, under the given boot sequence number. Unlike machine logs,
// instance log filenames embed boot_seq so one vmmd restart's logs never
// run together with the previous boot's.
func (lg *Logger) Instance(id vmid.Id, bootSeq uint64, source Source, stream Stream, line string) error {
	dir, err := lg.layout.InstanceLogDir(id)
	if err != nil {
		return err
	}
	daysSinceEpoch := time.Now().Unix() / 86_400
	name := fmt.Sprintf("%s.%d-%d.%s", source, daysSinceEpoch, bootSeq, stream)
	return appendLine(dir, name, line)
}

// TODO: cache open file handles per (dir, name) instead of open-append-close
// per line; fine for now since subprocess output is bursty, not high-frequency.
func appendLine(dir, name, line string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log file %s: %w", name, err)
	}
	return nil
}
