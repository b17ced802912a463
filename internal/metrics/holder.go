package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// HolderSample is one resource reading of the process holding a pidfile.
type HolderSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// HolderFunc reports the current holder pid, ok=false when there is none.
type HolderFunc func() (pid int, ok bool)

// HolderCollector periodically samples the pidfile holder with gopsutil and
// exports the readings as gauges.
type HolderCollector struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last *HolderSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewHolderCollector(interval time.Duration, logger *slog.Logger) *HolderCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pidkeeper",
			Subsystem: "holder",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &HolderCollector{
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage of the pidfile holder."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident set size of the pidfile holder."),
		numThreads: gauge("num_threads", "Thread count of the pidfile holder."),
		numFDs:     gauge("num_fds", "Open file descriptors of the pidfile holder (Unix only)."),
	}
}

func (c *HolderCollector) RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (c *HolderCollector) Start(ctx context.Context, holder HolderFunc) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(holder)
			}
		}
	}()
}

func (c *HolderCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample now. Gauges are reset when there is no holder.
func (c *HolderCollector) Collect(holder HolderFunc) {
	pid, ok := holder()
	if !ok {
		c.reset()
		return
	}
	s, err := sample(int32(pid))
	if err != nil {
		c.logger.Debug("holder sample failed", "pid", pid, "error", err)
		c.reset()
		return
	}
	label := fmt.Sprint(pid)
	c.reset()
	c.cpuPercent.WithLabelValues(label).Set(s.CPUPercent)
	c.memoryRSS.WithLabelValues(label).Set(float64(s.MemoryRSS))
	c.numThreads.WithLabelValues(label).Set(float64(s.NumThreads))
	if runtime.GOOS != "windows" && s.NumFDs > 0 {
		c.numFDs.WithLabelValues(label).Set(float64(s.NumFDs))
	}
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
}

// Last returns the most recent sample, if any.
func (c *HolderCollector) Last() (HolderSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return HolderSample{}, false
	}
	return *c.last, true
}

func (c *HolderCollector) reset() {
	c.cpuPercent.Reset()
	c.memoryRSS.Reset()
	c.numThreads.Reset()
	c.numFDs.Reset()
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()
}

func sample(pid int32) (*HolderSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := &HolderSample{PID: pid, MemoryRSS: mem.RSS, Timestamp: time.Now()}
	// first CPUPercent call may read 0 until a delta exists
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
