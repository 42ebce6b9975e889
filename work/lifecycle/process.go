package lifecycle

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Supervisor terminates a media pipeline process together with every
// descendant it forked.
type Supervisor interface {
	KillTree(pid int) error
}

// NewSupervisor returns group kill on platforms with process groups and the
// process-table scan fallback elsewhere.
func NewSupervisor() Supervisor {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd":
		return groupSupervisor{}
	default:
		return scanSupervisor{}
	}
}

// detachedProcAttr puts the child in its own process group so the whole
// pipeline, helpers included, can be signalled at once.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// groupSupervisor signals the negative pid, reaching the whole group.
type groupSupervisor struct{}

func (groupSupervisor) KillTree(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing process group %d: %w", pid, err)
	}
	return nil
}

// scanSupervisor walks the OS process table by hand for platforms where the
// process API cannot signal a group recursively.
type scanSupervisor struct{}

func (scanSupervisor) KillTree(pid int) error {
	out, err := exec.Command("ps", "-e", "-o", "pid=,ppid=").Output()
	if err != nil {
		// no table to walk; at least take down the root
		return killPid(pid)
	}

	// children die before the parent so nothing reparents mid-scan
	for _, child := range descendants(string(out), pid) {
		_ = killPid(child)
	}
	return killPid(pid)
}

func killPid(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	return nil
}

// descendants parses `ps -e -o pid=,ppid=` output and returns every pid
// beneath root in the parent tree, deepest first.
func descendants(psOutput string, root int) []int {
	children := make(map[int][]int)
	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	var out []int
	var walk func(int)
	walk = func(parent int) {
		for _, child := range children[parent] {
			walk(child)
			out = append(out, child)
		}
	}
	walk(root)
	return out
}
