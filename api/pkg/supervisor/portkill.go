package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/platform"
)

// KillPortOwners terminates every process bound to port. Individual kill
// failures are logged, not raised; the caller re-checks the port instead.
func KillPortOwners(ctx context.Context, commander platform.Commander, goos string, port int) {
	pids := findPortOwners(ctx, commander, goos, port)
	for _, pid := range pids {
		log.Warn().Int("pid", pid).Int("port", port).Msg("killing process holding target port")
		var err error
		if goos == "windows" {
			err = commander.CommandContext(ctx, "taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
		} else {
			err = commander.CommandContext(ctx, "kill", "-9", strconv.Itoa(pid)).Run()
		}
		if err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("could not kill port owner")
		}
	}
}

func findPortOwners(ctx context.Context, commander platform.Commander, goos string, port int) []int {
	if goos == "windows" {
		out, err := commander.CommandContext(ctx, "netstat", "-ano").Output()
		if err != nil {
			log.Warn().Err(err).Msg("netstat failed")
			return nil
		}
		return ParseNetstatPIDs(string(out), port)
	}

	out, err := commander.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing matches
		return nil
	}
	var pids []int
	for _, line := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// ParseNetstatPIDs extracts the owning PIDs of LISTENING sockets on port
// from `netstat -ano` output.
func ParseNetstatPIDs(output string, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	seen := map[int]bool{}
	var pids []int
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "TCP" {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || fields[3] != "LISTENING" {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid == 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
