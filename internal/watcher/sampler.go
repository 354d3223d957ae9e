package watcher

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quantfab/tradelink/internal/wire"
)

// Sampler reads host health from /proc and statfs. CPU usage is the delta
// between consecutive samples, so the first sample reports zero.
type Sampler struct {
	colo string

	prevIdle  uint64
	prevTotal uint64
}

// NewSampler builds a sampler stamping colo onto every snapshot.
func NewSampler(colo string) *Sampler {
	return &Sampler{colo: colo}
}

// Sample collects one host snapshot. Fields whose source cannot be read
// are left zero.
func (s *Sampler) Sample() wire.ColoStatus {
	st := wire.ColoStatus{
		Colo:       s.colo,
		CPUs:       int32(runtime.NumCPU()),
		UpdateTime: time.Now().Format("2006-01-02 15:04:05"),
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		st.OSVersion = unix.ByteSliceToString(uts.Sysname[:])
		st.KernelVersion = unix.ByteSliceToString(uts.Release[:])
	}

	st.Load1, st.Load5, st.Load15 = s.loadavg()
	st.CPUUsedRate = s.cpuUsedRate()
	st.MemTotal, st.MemFree = s.meminfo()
	if st.MemTotal > 0 {
		st.MemUsedRate = (st.MemTotal - st.MemFree) / st.MemTotal * 100
	}

	var fs unix.Statfs_t
	if err := unix.Statfs("/", &fs); err == nil {
		const gb = 1 << 30
		st.DiskTotal = float64(fs.Blocks) * float64(fs.Bsize) / gb
		st.DiskFree = float64(fs.Bavail) * float64(fs.Bsize) / gb
		if st.DiskTotal > 0 {
			st.DiskUsedRate = (st.DiskTotal - st.DiskFree) / st.DiskTotal * 100
		}
	}
	return st
}

func (s *Sampler) loadavg() (l1, l5, l15 float64) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	fmt.Sscanf(string(data), "%f %f %f", &l1, &l5, &l15)
	return l1, l5, l15
}

// cpuUsedRate derives usage from the aggregate cpu line of /proc/stat.
func (s *Sampler) cpuUsedRate() float64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	defer func() {
		s.prevIdle, s.prevTotal = idle, total
	}()
	if s.prevTotal == 0 || total <= s.prevTotal {
		return 0
	}
	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	return float64(dTotal-dIdle) / float64(dTotal) * 100
}

// meminfo returns total and available memory in GB.
func (s *Sampler) meminfo() (total, free float64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	const kbPerGB = 1 << 20
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb / kbPerGB
		case "MemAvailable:":
			free = kb / kbPerGB
		}
	}
	return total, free
}
