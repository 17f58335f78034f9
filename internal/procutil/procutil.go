// Package procutil probes the liveness and identity of local processes.
// Runner PIDs recorded in on-disk state may belong to processes that have
// exited, been reaped, or been reused; callers must never trust a raw PID.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// Alive reports whether a process exists and is not a zombie. The probe is a
// zero-signal kill: EPERM means the process exists but belongs to another
// user, which still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if Zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Zombie checks whether a PID is in a zombie/dead state.
func Zombie(pid int) bool {
	if !ProcFSAvailable() {
		return zombieFromPS(pid)
	}
	b, err := os.ReadFile(statPath(pid))
	if err != nil {
		return false
	}
	state, _, ok := statAfterComm(string(b))
	if !ok {
		return false
	}
	return state == 'Z' || state == 'X'
}

// StartTime returns the kernel start time of a PID (clock ticks since boot).
// Combined with the PID it identifies a process across PID reuse. Only
// meaningful where procfs is available.
func StartTime(pid int) (uint64, error) {
	b, err := os.ReadFile(statPath(pid))
	if err != nil {
		return 0, err
	}
	_, rest, ok := statAfterComm(string(b))
	if !ok {
		return 0, fmt.Errorf("pid %d: malformed stat line", pid)
	}
	// rest starts at field 3 (state); starttime is field 22.
	fields := strings.Fields(rest)
	if len(fields) < 20 {
		return 0, fmt.Errorf("pid %d: short stat line (%d fields after comm)", pid, len(fields))
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pid %d: parse starttime: %w", pid, err)
	}
	return start, nil
}

func statPath(pid int) string {
	return filepath.Join("/proc", strconv.Itoa(pid), "stat")
}

// statAfterComm splits a /proc/<pid>/stat line after the parenthesized comm
// field, which may itself contain spaces and parentheses.
func statAfterComm(line string) (state byte, rest string, ok bool) {
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, "", false
	}
	return line[closeIdx+2], line[closeIdx+2:], true
}

func zombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}
