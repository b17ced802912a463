package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	PIDFile    string // overrides [pidfile].path
}

type WriteFlags struct {
	PID int
}

type MoveFlags struct {
	To string
}

type RemoveFlags struct {
	PID   int
	Force bool
}

type SignalFlags struct {
	Signal string
}

type StatusFlags struct {
	JSON bool
	// Remote daemon connection
	API APIFlags
}

// APIFlags select a running daemon to query instead of local state.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	CACert   string
	Insecure bool
}

type HistoryFlags struct {
	Limit int
	DSN   string
	API   APIFlags
}

type ServeFlags struct {
	Daemonize bool
	LogFile   string
}

type WaitFlags struct {
	PID      int // wait on this pid instead of the pidfile
	Running  bool
	Timeout  time.Duration
	Interval time.Duration
}
