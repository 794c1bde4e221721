// Package sysinfo reports device memory for pressure-driven decisions.
package sysinfo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Memory is a point-in-time memory reading.
type Memory struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Pressure is the used fraction of total memory in [0,1].
func (m Memory) Pressure() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	avail := min(m.AvailableBytes, m.TotalBytes)
	return float64(m.TotalBytes-avail) / float64(m.TotalBytes)
}

// Probe reads current memory.
type Probe interface {
	Memory() (Memory, error)
}

// ProcMeminfo reads /proc/meminfo (or Path when set).
type ProcMeminfo struct {
	Path string
}

func (p ProcMeminfo) Memory() (Memory, error) {
	path := p.Path
	if path == "" {
		path = "/proc/meminfo"
	}
	f, err := os.Open(path)
	if err != nil {
		return Memory{}, err
	}
	defer f.Close()
	return parseMeminfo(f)
}

func parseMeminfo(r io.Reader) (Memory, error) {
	var (
		m             Memory
		free, cached  uint64
		haveAvailable bool
		sc            = bufio.NewScanner(r)
	)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
			v *= 1024
		}
		switch key {
		case "MemTotal":
			m.TotalBytes = v
		case "MemAvailable":
			m.AvailableBytes = v
			haveAvailable = true
		case "MemFree":
			free = v
		case "Cached":
			cached = v
		}
	}
	if err := sc.Err(); err != nil {
		return Memory{}, err
	}
	if m.TotalBytes == 0 {
		return Memory{}, errors.New("sysinfo: MemTotal missing from meminfo")
	}
	if !haveAvailable {
		// Kernels before 3.14 lack MemAvailable.
		m.AvailableBytes = free + cached
	}
	return m, nil
}

// Static is a settable probe for tests and fixed-device configs.
type Static struct {
	total atomic.Uint64
	avail atomic.Uint64
}

// NewStatic returns a probe reporting total and available bytes.
func NewStatic(total, available uint64) *Static {
	s := &Static{}
	s.Set(total, available)
	return s
}

// Set replaces the reading.
func (s *Static) Set(total, available uint64) {
	s.total.Store(total)
	s.avail.Store(available)
}

// SetPressure adjusts available memory so Pressure returns p.
func (s *Static) SetPressure(p float64) {
	total := s.total.Load()
	s.avail.Store(uint64(math.Round(float64(total) * (1 - p))))
}

func (s *Static) Memory() (Memory, error) {
	t := s.total.Load()
	if t == 0 {
		return Memory{}, fmt.Errorf("sysinfo: static probe has no total")
	}
	return Memory{TotalBytes: t, AvailableBytes: s.avail.Load()}, nil
}
