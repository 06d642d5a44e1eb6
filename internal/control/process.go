package control

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the helper process itself.
type ProcessStats struct {
	PID           int     `json:"pid"`
	RSSBytes      uint64  `json:"rssBytes"`
	CPUPercent    float64 `json:"cpuPercent"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	Threads       int32   `json:"threads,omitempty"`
}

type processSampler struct {
	proc    *process.Process
	started time.Time
}

func newProcessSampler() *processSampler {
	s := &processSampler{started: time.Now()}
	// Sampling degrades to the runtime-only fields if the process table is
	// not readable.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
		if ms, err := p.CreateTime(); err == nil {
			s.started = time.UnixMilli(ms)
		}
	}
	return s
}

func (s *processSampler) sample(ctx context.Context) ProcessStats {
	st := ProcessStats{
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.proc == nil {
		return st
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		st.Threads = n
	}
	return st
}
