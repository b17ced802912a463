// Package pidfile records the process ID of a running daemon in a file and
// decides, from whatever is found on disk, whether that process is alive.
//
// A Pidfile is a plain value bound to one path. It is not safe for
// concurrent Create/Rename/Unlink; callers serialise those.
package pidfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNoDirectory is returned by Create when the pidfile's directory is missing.
var ErrNoDirectory = errors.New("pidfile directory does not exist")

const fileMode = 0o644

// MaxPID is the largest value a pid_t can hold. Larger values would be
// truncated by the kernel and address an unrelated process.
const MaxPID = math.MaxInt32

// ValidPID reports whether pid can name a single process.
func ValidPID(pid int) bool { return pid > 0 && pid <= MaxPID }

// Prober checks whether a process exists without affecting it. Probe must
// return the raw OS error so Validate can tell ESRCH from EPERM.
type Prober interface {
	Probe(pid int) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(pid int) error

func (f ProberFunc) Probe(pid int) error { return f(pid) }

type Option func(*Pidfile)

// WithProber replaces the platform liveness probe.
func WithProber(p Prober) Option {
	return func(pf *Pidfile) {
		if p != nil {
			pf.prober = p
		}
	}
}

// Pidfile manages a single pidfile path.
type Pidfile struct {
	path   string
	pid    int
	prober Prober
}

func New(path string, opts ...Option) *Pidfile {
	pf := &Pidfile{path: path, prober: SignalProber{}}
	for _, o := range opts {
		o(pf)
	}
	return pf
}

func (p *Pidfile) Path() string { return p.path }

// PID returns the pid last written by Create.
func (p *Pidfile) PID() (int, bool) { return p.pid, p.pid > 0 }

// Validate reads the pidfile and probes the recorded process.
//
// A missing file, unparsable content and a process that no longer exists
// all yield Absent with a nil error. A process that exists, whether or not
// the caller may signal it, yields Present. Any other open, read or probe
// failure is returned.
func (p *Pidfile) Validate() (Result, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Absent(), nil
		}
		return Absent(), fmt.Errorf("open pidfile: %w", err)
	}
	defer func() { _ = f.Close() }()

	b, err := io.ReadAll(f)
	if err != nil {
		return Absent(), fmt.Errorf("read pidfile %s: %w", p.path, err)
	}
	pid, ok := parsePID(b)
	if !ok {
		return Absent(), nil
	}

	alive, err := Alive(p.prober, pid)
	if err != nil || !alive {
		return Absent(), err
	}
	return Present(pid), nil
}

// Alive classifies the outcome of probing pid. A successful probe and EPERM
// both mean the process exists; ESRCH means it does not. Other probe errors
// are returned.
func Alive(pr Prober, pid int) (bool, error) {
	if !ValidPID(pid) {
		return false, nil
	}
	err := pr.Probe(pid)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	case errors.Is(err, syscall.EPERM):
		// exists, owned by another user
		return true, nil
	default:
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
}

// parsePID accepts the decimal text of a pid in 1..MaxPID surrounded by
// optional whitespace.
func parsePID(b []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || !ValidPID(pid) {
		return 0, false
	}
	return pid, true
}

// Create atomically replaces the pidfile with pid. The content is written
// to a temporary file in the same directory and renamed into place, so
// readers never observe a partial write. An existing file is overwritten.
func (p *Pidfile) Create(pid int) error {
	if !ValidPID(pid) {
		return fmt.Errorf("invalid pid %d", pid)
	}
	dir := filepath.Dir(p.path)
	if st, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoDirectory, dir)
		}
		return fmt.Errorf("stat pidfile directory: %w", err)
	} else if !st.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNoDirectory, dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp pidfile: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return fmt.Errorf("write temp pidfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp pidfile: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		return fmt.Errorf("chmod temp pidfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp pidfile: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("rename pidfile into place: %w", err)
	}
	committed = true
	p.pid = pid
	return nil
}

// Rename moves the pidfile to newPath and rebinds the manager to it.
func (p *Pidfile) Rename(newPath string) error {
	if newPath == p.path {
		return nil
	}
	if err := os.Rename(p.path, newPath); err != nil {
		return fmt.Errorf("rename pidfile: %w", err)
	}
	p.path = newPath
	return nil
}

// Unlink removes the pidfile if it still names the pid this manager wrote.
// A file that was replaced by another instance, or one this manager never
// created, is left alone. A file that is already gone is not an error.
func (p *Pidfile) Unlink() error {
	_, err := p.Remove()
	return err
}

// Remove is Unlink that also reports whether a file was actually removed.
func (p *Pidfile) Remove() (bool, error) {
	if p.pid <= 0 {
		return false, nil
	}
	res, err := p.Validate()
	if err != nil {
		return false, err
	}
	if cur, ok := res.PID(); !ok || cur != p.pid {
		return false, nil
	}
	if err := os.Remove(p.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove pidfile: %w", err)
	}
	return true, nil
}
