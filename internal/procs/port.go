package procs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FindProcessUsingPort does a best-effort lookup of the pid/process name
// bound to a listening TCP port by walking /proc/net/tcp (and tcp6) for
// the matching local-address entry, then /proc/<pid>/fd symlinks to map
// the socket inode back to a pid. This stands in for the teacher's
// `lsof`-shelling pattern without spawning a subprocess, per SPEC_FULL.md
// §4 "Port auto-bump with conflict diagnosis".
//
// Returns ok=false if the port's owner could not be determined (e.g. on
// non-Linux, or permission-restricted procfs).
func FindProcessUsingPort(port uint16) (pid int, name string, ok bool) {
	inode, found := findListeningInode(port)
	if !found {
		return 0, "", false
	}
	pid, ok = findPidForInode(inode)
	if !ok {
		return 0, "", false
	}
	return pid, Title(pid), true
}

func findListeningInode(port uint16) (string, bool) {
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		if inode, ok := scanNetTCP(path, port); ok {
			return inode, true
		}
	}
	return "", false
}

// scanNetTCP parses lines like:
// sl local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode
// local_address is hex "ADDR:PORT"; st 0A means LISTEN.
func scanNetTCP(path string, port uint16) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	wantHex := strings.ToUpper(fmt.Sprintf("%04X", port))
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localParts := strings.Split(fields[1], ":")
		if len(localParts) != 2 {
			continue
		}
		if !strings.EqualFold(localParts[1], wantHex) {
			continue
		}
		if !strings.EqualFold(fields[3], "0A") { // TCP_LISTEN
			continue
		}
		return fields[9], true
	}
	return "", false
}

func findPidForInode(inode string) (int, bool) {
	target := "socket:[" + inode + "]"
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := "/proc/" + e.Name() + "/fd"
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil {
				continue
			}
			if link == target {
				return pid, true
			}
		}
	}
	return 0, false
}
