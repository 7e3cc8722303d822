// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package memmon samples process memory on a ticker and warns when
// usage crosses thresholds or grows monotonically across the whole
// sample ring. Warnings are log-only.
package memmon

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	defaultInterval = 5 * time.Minute
	ringSize        = 12

	defaultHeapWarnBytes = 300 << 20
	defaultRSSWarnBytes  = 400 << 20
)

// Sample is one memory observation.
type Sample struct {
	At        time.Time `json:"at"`
	HeapBytes uint64    `json:"heapBytes"`
	RSSBytes  uint64    `json:"rssBytes"`
}

// Monitor owns the sampling loop and the ring of recent samples.
type Monitor struct {
	interval time.Duration
	heapWarn uint64
	rssWarn  uint64
	clock    clockwork.Clock
	log      *slog.Logger
	proc     *process.Process
	readHeap func() uint64
	readRSS  func() (uint64, error)

	mu   sync.Mutex
	ring []Sample
}

// Options for New. Zero values take the defaults above.
type Options struct {
	Interval      time.Duration
	HeapWarnBytes uint64
	RSSWarnBytes  uint64
	Clock         clockwork.Clock
}

// New builds a Monitor for the current process.
func New(opts Options, log *slog.Logger) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.HeapWarnBytes == 0 {
		opts.HeapWarnBytes = defaultHeapWarnBytes
	}
	if opts.RSSWarnBytes == 0 {
		opts.RSSWarnBytes = defaultRSSWarnBytes
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		interval: opts.Interval,
		heapWarn: opts.HeapWarnBytes,
		rssWarn:  opts.RSSWarnBytes,
		clock:    opts.Clock,
		log:      log,
		proc:     proc,
		ring:     make([]Sample, 0, ringSize),
	}
	m.readHeap = func() uint64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.HeapAlloc
	}
	m.readRSS = func() (uint64, error) {
		info, err := proc.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
	return m, nil
}

// Run samples until ctx is cancelled. It takes one sample immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sample()
		}
	}
}

// Latest returns the most recent sample and whether one exists.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return Sample{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// AboveThreshold reports whether the latest sample exceeds either warn
// threshold. Health reporting keys on this.
func (m *Monitor) AboveThreshold() bool {
	s, ok := m.Latest()
	if !ok {
		return false
	}
	return s.HeapBytes > m.heapWarn || s.RSSBytes > m.rssWarn
}

func (m *Monitor) sample() {
	s := Sample{At: m.clock.Now(), HeapBytes: m.readHeap()}
	rss, err := m.readRSS()
	if err != nil {
		m.log.Warn("reading process RSS failed", "error", err)
	} else {
		s.RSSBytes = rss
	}

	m.mu.Lock()
	m.ring = append(m.ring, s)
	if len(m.ring) > ringSize {
		m.ring = m.ring[1:]
	}
	full := len(m.ring) == ringSize
	growing := full && monotonicGrowth(m.ring)
	m.mu.Unlock()

	if s.HeapBytes > m.heapWarn {
		m.log.Warn("heap usage above threshold",
			"heapBytes", s.HeapBytes, "thresholdBytes", m.heapWarn)
	}
	if s.RSSBytes > m.rssWarn {
		m.log.Warn("rss usage above threshold",
			"rssBytes", s.RSSBytes, "thresholdBytes", m.rssWarn)
	}
	if growing {
		m.log.Warn("memory growing monotonically across sample window",
			"samples", ringSize,
			"firstHeapBytes", m.ringFirst().HeapBytes,
			"lastHeapBytes", s.HeapBytes)
	}
}

func (m *Monitor) ringFirst() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring[0]
}

// monotonicGrowth reports whether heap strictly increased at every step.
func monotonicGrowth(ring []Sample) bool {
	for i := 1; i < len(ring); i++ {
		if ring[i].HeapBytes <= ring[i-1].HeapBytes {
			return false
		}
	}
	return true
}
