package aedt

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"aedthub/internal/logging"
)

// installRootPrefix is the environment variable prefix the installer sets for
// each release, e.g. ANSYSEM_ROOT251 for 2025 R1.
const installRootPrefix = "ANSYSEM_ROOT"

// InstalledVersions lists the releases installed on this machine, newest
// first, in the "2025.1" display form.
func InstalledVersions() []string {
	var versions []string
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, installRootPrefix) || value == "" {
			continue
		}
		if v := versionFromRootKey(key); v != "" {
			versions = append(versions, v)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions
}

// versionFromRootKey turns ANSYSEM_ROOT251 into "2025.1". Anything that does
// not follow the two-digit-year plus release-digit convention is skipped.
func versionFromRootKey(key string) string {
	suffix := strings.TrimPrefix(key, installRootPrefix)
	if len(suffix) != 3 {
		return ""
	}
	year, err := strconv.Atoi(suffix[:2])
	if err != nil {
		return ""
	}
	release, err := strconv.Atoi(suffix[2:])
	if err != nil {
		return ""
	}
	return fmt.Sprintf("20%02d.%d", year, release)
}

// Sessions scans the process table for running desktop sessions and returns
// process id mapped to gRPC port, with -1 for sessions started without a
// gRPC server.
func Sessions() (map[int]int, error) {
	out, err := exec.Command("ps", "-eo", "pid=,args=").Output()
	if err != nil {
		return nil, fmt.Errorf("scanning process table: %w", err)
	}
	return parseSessions(string(out)), nil
}

// parseSessions extracts ansysedt processes from ps output. The gRPC port
// follows the -grpcsrv argument on the command line.
func parseSessions(psOutput string) map[int]int {
	sessions := make(map[int]int)
	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		exe := fields[1]
		if base := exe[strings.LastIndex(exe, "/")+1:]; !strings.HasPrefix(base, "ansysedt") {
			continue
		}

		port := -1
		for i := 2; i < len(fields)-1; i++ {
			if fields[i] == "-grpcsrv" {
				if p, err := strconv.Atoi(fields[i+1]); err == nil {
					port = p
				}
				break
			}
		}
		sessions[pid] = port
	}

	if len(sessions) > 0 {
		logging.Debug("Found running AEDT sessions", "count", len(sessions))
	}
	return sessions
}
