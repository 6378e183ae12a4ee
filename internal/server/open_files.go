package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/farfs/internal/metrics"
	"github.com/rfratto/farfs/internal/wire"
)

// openFile is a file held open on behalf of clients.
type openFile struct {
	f      *os.File
	access int // os.O_RDONLY, os.O_WRONLY or os.O_RDWR

	refs     int // Outstanding Open requests.
	inUse    int // Reads and writes currently using f.
	lastUsed time.Time
}

func (of *openFile) covers(access int) bool {
	return of.access == os.O_RDWR || of.access == access
}

// openFiles is a table of open files keyed by path. Files are reference
// counted: each Open acquires a reference and each Release drops one. Files
// which sit idle are closed by evictIdle regardless of their references.
type openFiles struct {
	log log.Logger
	m   *metrics.Server
	now func() time.Time

	mut   sync.Mutex
	files map[string]*openFile
}

func newOpenFiles(l log.Logger, m *metrics.Server) *openFiles {
	return &openFiles{
		log:   l,
		m:     m,
		now:   time.Now,
		files: make(map[string]*openFile),
	}
}

// openFunc opens the file for a path with the given flags.
type openFunc func(flag int) (*os.File, error)

func accessMode(flags int) int {
	return flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
}

// acquire adds a reference to the file at path, opening it when needed. If
// the held file can't serve the requested access mode, it is reopened
// read-write.
func (t *openFiles) acquire(path string, access int, open openFunc) (*os.File, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	of, ok := t.files[path]
	if ok && of.covers(access) {
		of.refs++
		of.lastUsed = t.now()
		return of.f, nil
	}

	want := access
	if ok {
		want = os.O_RDWR
	}
	f, err := open(want)
	if err != nil {
		return nil, err
	}

	if !ok {
		of = &openFile{}
		t.files[path] = of
		t.m.OpenFiles.Inc()
	} else if err := of.f.Close(); err != nil {
		// Requests for one path are processed in order, so nothing else can
		// be using the file being replaced.
		level.Warn(t.log).Log("msg", "failed to close replaced file", "path", path, "err", err)
	}

	of.f = f
	of.access = want
	of.refs++
	of.lastUsed = t.now()
	return f, nil
}

// use returns the open file for path so it can be read from or written to.
// done must be called once the caller is finished with the file. Returns
// StatusInvalid if path isn't open, or isn't open for writing when write is
// set.
func (t *openFiles) use(path string, write bool) (f *os.File, done func(), err error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	of, ok := t.files[path]
	if !ok {
		return nil, nil, fmt.Errorf("%s is not open: %w", path, wire.StatusInvalid)
	}
	if write && of.access == os.O_RDONLY {
		return nil, nil, fmt.Errorf("%s is not open for writing: %w", path, wire.StatusInvalid)
	}
	if !write && of.access == os.O_WRONLY {
		return nil, nil, fmt.Errorf("%s is not open for reading: %w", path, wire.StatusInvalid)
	}

	of.inUse++
	of.lastUsed = t.now()
	return of.f, func() {
		t.mut.Lock()
		defer t.mut.Unlock()
		of.inUse--
		of.lastUsed = t.now()
	}, nil
}

// release drops a reference to path, closing the file when none remain.
// Releasing a path which isn't open is not an error.
func (t *openFiles) release(path string) error {
	t.mut.Lock()
	defer t.mut.Unlock()

	of, ok := t.files[path]
	if !ok {
		return nil
	}
	of.refs--
	if of.refs > 0 || of.inUse > 0 {
		return nil
	}
	return t.removeLocked(path, of)
}

// forget closes path regardless of its references. Used when the path is
// removed so a new file at the same path isn't served by the old handle.
func (t *openFiles) forget(path string) error {
	t.mut.Lock()
	defer t.mut.Unlock()

	of, ok := t.files[path]
	if !ok {
		return nil
	}
	return t.removeLocked(path, of)
}

func (t *openFiles) removeLocked(path string, of *openFile) error {
	delete(t.files, path)
	t.m.OpenFiles.Dec()
	return of.f.Close()
}

// evictIdle closes files which haven't been used within maxIdle. Files
// being read or written are never evicted. Returns the number of evicted
// files.
func (t *openFiles) evictIdle(maxIdle time.Duration) int {
	t.mut.Lock()
	defer t.mut.Unlock()

	var (
		cutoff  = t.now().Add(-maxIdle)
		evicted int
	)
	for path, of := range t.files {
		if of.inUse > 0 || of.lastUsed.After(cutoff) {
			continue
		}
		if err := t.removeLocked(path, of); err != nil {
			level.Warn(t.log).Log("msg", "error closing idle file", "path", path, "err", err)
		}
		level.Debug(t.log).Log("msg", "evicted idle file", "path", path, "refs", of.refs)
		t.m.EvictedFiles.Inc()
		evicted++
	}
	return evicted
}

// Len returns the number of open files.
func (t *openFiles) Len() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.files)
}

// closeAll closes every open file.
func (t *openFiles) closeAll() error {
	t.mut.Lock()
	defer t.mut.Unlock()

	var result error
	for path, of := range t.files {
		if err := t.removeLocked(path, of); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", path, err))
		}
	}
	return result
}
