// Package shelldir tracks the client-reported {shell pid -> directory}
// map used to decide autostop (spec.md §3 ShellDirMap, §4.7). It is
// shared between the orchestrator (which upserts it on UpdateShellDir)
// and the interval watcher (which checks shell liveness and reacts to a
// directory's last shell leaving).
package shelldir

import "sync"

// Map is a thread-safe {shell pid -> dir}.
type Map struct {
	mu    sync.Mutex
	byPID map[uint32]string
}

func New() *Map {
	return &Map{byPID: map[uint32]string{}}
}

// Set upserts pid's directory. An empty dir removes the entry, mirroring
// update_shell_dir(shell_pid, dir=null) from spec.md §4.1.
func (m *Map) Set(pid uint32, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dir == "" {
		delete(m.byPID, pid)
		return
	}
	m.byPID[pid] = dir
}

// Remove deletes pid's entry and returns the directory it pointed to, if
// any.
func (m *Map) Remove(pid uint32) (dir string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok = m.byPID[pid]
	delete(m.byPID, pid)
	return dir, ok
}

// Snapshot returns a copy of the current map.
func (m *Map) Snapshot() map[uint32]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]string, len(m.byPID))
	for k, v := range m.byPID {
		out[k] = v
	}
	return out
}

// HasShellIn reports whether any tracked pid currently points at dir.
func (m *Map) HasShellIn(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byPID {
		if d == dir {
			return true
		}
	}
	return false
}

// LoadFrom replaces the map contents, used when restoring from the state
// store on startup.
func (m *Map) LoadFrom(snapshot map[uint32]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPID = make(map[uint32]string, len(snapshot))
	for k, v := range snapshot {
		m.byPID[k] = v
	}
}
