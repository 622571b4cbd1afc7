// Package memlimit discovers the memory limit that applies to this process
// and tracks usage against it, so queues can shed buffered message data
// before the kernel kills us.
//
// The limit is taken from the first of: cgroup v2 memory.max, cgroup v1
// memory.limit_in_bytes, RLIMIT_AS, and as final fallback 75% of physical
// memory from /proc/meminfo.
package memlimit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Limit is a discovered memory limit in bytes, with where it came from.
type Limit struct {
	Bytes  uint64
	Source string // "cgroup2", "cgroup1", "rlimit", "physical".
}

// Unlimited-looking cgroup v1 values (near 2^63) mean no limit is set.
const v1Unlimited = uint64(1) << 60

// Discover returns the effective memory limit. The smallest of the
// configured limits wins.
func Discover() (Limit, error) {
	var best Limit

	consider := func(bytes uint64, source string) {
		if bytes == 0 {
			return
		}
		if best.Bytes == 0 || bytes < best.Bytes {
			best = Limit{bytes, source}
		}
	}

	if v, err := cgroupLimit(); err == nil {
		consider(v.Bytes, v.Source)
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_AS, &rl); err == nil && rl.Cur != ^uint64(0) && uint64(rl.Cur) < v1Unlimited {
		consider(uint64(rl.Cur), "rlimit")
	}
	if phys, err := physicalMemory(); err == nil {
		// Leave the OS and page cache room to breathe.
		consider(phys * 3 / 4, "physical")
	}

	if best.Bytes == 0 {
		return Limit{}, fmt.Errorf("no memory limit could be discovered")
	}
	return best, nil
}

// cgroupPaths returns the v2 and v1-memory relative cgroup paths of this
// process, either possibly empty.
func cgroupPaths() (v2 string, v1 string) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			v2 = parts[2]
		} else if strings.Contains(parts[1], "memory") {
			v1 = parts[2]
		}
	}
	return
}

func cgroupLimit() (Limit, error) {
	v2, v1 := cgroupPaths()
	if v2 != "" {
		if v, err := readMemValue("/sys/fs/cgroup" + v2 + "/memory.max"); err == nil && v > 0 {
			return Limit{v, "cgroup2"}, nil
		}
	}
	if v1 != "" {
		if v, err := readMemValue("/sys/fs/cgroup/memory" + v1 + "/memory.limit_in_bytes"); err == nil && v > 0 && v < v1Unlimited {
			return Limit{v, "cgroup1"}, nil
		}
	}
	return Limit{}, fmt.Errorf("no cgroup memory limit")
}

// readMemValue parses a cgroup memory file, returning 0 for "max".
func readMemValue(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func physicalMemory() (uint64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}

// Usage returns the current memory usage of this process in bytes, from the
// cgroup when available, otherwise resident set size from /proc/self/statm.
func Usage() (uint64, error) {
	if v2, _ := cgroupPaths(); v2 != "" {
		if v, err := readMemValue("/sys/fs/cgroup" + v2 + "/memory.current"); err == nil && v > 0 {
			return v, nil
		}
	}
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed /proc/self/statm")
	}
	rssPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return rssPages * uint64(os.Getpagesize()), nil
}
