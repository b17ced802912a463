package client

import "time"

// ProcessInfo describes the process holding the pidfile.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Cmdline   string    `json:"cmdline,omitempty"`
	Username  string    `json:"username,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Status is the body of GET {base}/status.
type Status struct {
	Path      string       `json:"path"`
	Running   bool         `json:"running"`
	PID       int          `json:"pid,omitempty"`
	WrittenAt time.Time    `json:"written_at,omitempty"`
	Process   *ProcessInfo `json:"process,omitempty"`
	PIDReused bool         `json:"pid_reused,omitempty"`
	Claimed   bool         `json:"claimed"`
	OwnPID    int          `json:"own_pid,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Event is one entry of GET {base}/history.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		Path     string `json:"path"`
		PrevPath string `json:"prev_path,omitempty"`
		PID      int    `json:"pid"`
		Host     string `json:"host"`
	} `json:"record"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
