package pidfile

import "strconv"

// Result is the outcome of Validate: either Absent or Present(pid).
// The zero value is Absent.
type Result struct {
	pid     int
	present bool
}

// Absent reports that no live process could be identified from the pidfile.
func Absent() Result { return Result{} }

// Present reports that the pidfile names a process that exists.
func Present(pid int) Result { return Result{pid: pid, present: true} }

// PID returns the recorded pid and whether it is present.
func (r Result) PID() (int, bool) { return r.pid, r.present }

func (r Result) IsPresent() bool { return r.present }

func (r Result) String() string {
	if !r.present {
		return "absent"
	}
	return "present(" + strconv.Itoa(r.pid) + ")"
}
