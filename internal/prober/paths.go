package prober

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/podtrace/eintrprobe/internal/config"
)

// Paths are the targets of the per-iteration operations. An empty Scratch
// disables the create/close/unlink sequence.
type Paths struct {
	Self    string
	Sibling string
	Scratch string
}

var executable = os.Executable

// ResolvePaths derives the probe paths from the running program. The scratch
// file name embeds runID so that concurrent runs never share a file.
func ResolvePaths(scratchDir string, runID uuid.UUID, scratch bool) (Paths, error) {
	self, err := executable()
	if err != nil || self == "" {
		if len(os.Args) == 0 || os.Args[0] == "" {
			return Paths{}, errors.New("cannot determine program path")
		}
		self = os.Args[0]
	}
	if !filepath.IsAbs(self) {
		if abs, err := filepath.Abs(self); err == nil {
			self = abs
		}
	}

	p := Paths{
		Self:    self,
		Sibling: self + config.SiblingPathSuffix,
	}
	if scratch {
		if scratchDir == "" {
			scratchDir = os.TempDir()
		}
		info, err := os.Stat(scratchDir)
		if err != nil {
			return Paths{}, fmt.Errorf("scratch directory: %w", err)
		}
		if !info.IsDir() {
			return Paths{}, fmt.Errorf("scratch directory %s is not a directory", scratchDir)
		}
		p.Scratch = filepath.Join(scratchDir, config.ScratchFilePrefix+runID.String()+config.ScratchFileSuffix)
	}
	return p, nil
}
