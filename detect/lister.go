package detect

import (
	"os"
	"path/filepath"
)

// DirLister implements Lister by globbing a directory of device nodes —
// the real attach points a Linux host exposes under /dev/serial/by-id or
// a plain /dev/ttyACM*/ttyUSB* pattern. No library in the example pack
// wraps OS serial-port enumeration (termios-level device discovery is
// inherently platform-specific); filepath.Glob plus os.Stat is the
// whole of what's needed, so this stays on the standard library rather
// than reaching for a dependency that doesn't exist in the corpus.
type DirLister struct {
	Dir     string
	Pattern string
}

// NewDirLister creates a DirLister watching dir for files matching
// pattern (a filepath.Match pattern, e.g. "ttyACM*").
func NewDirLister(dir, pattern string) *DirLister {
	return &DirLister{Dir: dir, Pattern: pattern}
}

// List implements Lister by globbing Dir/Pattern and keeping the matches
// os.Stat can see. Each match's full path is its PortName and its base
// name its SerialNumber; VendorID/ProductID are left blank since the
// standard library has no portable way to read USB descriptor fields —
// spec.md's Device Worker only keys off PortName, so this never blocks
// attach/detach detection.
func (l *DirLister) List() ([]Port, error) {
	matches, err := filepath.Glob(filepath.Join(l.Dir, l.Pattern))
	if err != nil {
		return nil, err
	}

	ports := make([]Port, 0, len(matches))
	for _, m := range matches {
		if _, err := os.Stat(m); err != nil {
			continue
		}
		ports = append(ports, Port{
			PortName:     m,
			SerialNumber: filepath.Base(m),
		})
	}
	return ports, nil
}
