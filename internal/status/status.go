// Package status reports process health for the HTTP status endpoint.
package status

import (
	"context"
	"os"
	"time"

	"github.com/hako/durafmt"
	"github.com/shirou/gopsutil/v3/process"
)

// Report is the body of /api/status.
type Report struct {
	StartedAt     time.Time     `json:"startedAt"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Sessions      int           `json:"sessions"`
	Workers       int           `json:"workers"`
	FeeSlots      []string      `json:"feeSlots"`
	Process       *ProcessStats `json:"process,omitempty"`
}

// ProcessStats are resource figures of the relay process. Fields the
// platform cannot report are left zero.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	OpenFDs    int32   `json:"openFds"`
	Threads    int32   `json:"threads"`
	CPUPercent float64 `json:"cpuPercent"`
}

type Collector struct {
	started time.Time
	proc    *process.Process
	now     func() time.Time
}

// NewCollector returns a collector for the current process. Process stats
// are omitted if the process handle cannot be opened.
func NewCollector(started time.Time) *Collector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Collector{started: started, proc: proc, now: time.Now}
}

func (c *Collector) Uptime() time.Duration {
	return c.now().Sub(c.started)
}

// FormatUptime renders d to the second with its two largest units,
// e.g. "1 day 2 hours".
func FormatUptime(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

func (c *Collector) Process(ctx context.Context) *ProcessStats {
	if c.proc == nil {
		return nil
	}
	st := &ProcessStats{PID: c.proc.Pid}
	if mem, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mem.RSS
	}
	if n, err := c.proc.NumFDsWithContext(ctx); err == nil {
		st.OpenFDs = n
	}
	if n, err := c.proc.NumThreadsWithContext(ctx); err == nil {
		st.Threads = n
	}
	if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = pct
	}
	return st
}

func (c *Collector) Report(ctx context.Context, sessions, workers int, feeSlots []string) Report {
	up := c.Uptime()
	return Report{
		StartedAt:     c.started,
		Uptime:        FormatUptime(up),
		UptimeSeconds: int64(up / time.Second),
		Sessions:      sessions,
		Workers:       workers,
		FeeSlots:      feeSlots,
		Process:       c.Process(ctx),
	}
}
