// Package daemonid implements the hierarchical DaemonId type described in
// spec.md §3: namespace/name pairs, filesystem-safe encoding, and the
// short-name resolution order used by RPC handlers.
package daemonid

import (
	"fmt"
	"strings"

	"github.com/wardenhq/warden/internal/wardenerr"
)

// ID is a structured "namespace/name" identifier.
type ID struct {
	Namespace string
	Name      string
}

// Global is the namespace literal for user/system-level configs.
const Global = "global"

// Warden is the reserved id the supervisor uses for its own bookkeeping
// record in the registry (mirrors the teacher's self-registration of its
// own pid under a well-known id).
var Warden = ID{Namespace: Global, Name: "warden"}

func New(namespace, name string) ID {
	return ID{Namespace: namespace, Name: name}
}

// Parse parses a qualified "namespace/name" string.
func Parse(s string) (ID, error) {
	ns, name, ok := strings.Cut(s, "/")
	if !ok {
		return ID{}, wardenerr.Validationf("daemon id %q missing namespace", s)
	}
	id := ID{Namespace: ns, Name: name}
	if err := validate(id); err != nil {
		return ID{}, err
	}
	return id, nil
}

// ParseOrDefault parses s as a qualified id if it contains '/', otherwise
// treats s as a bare name scoped to defaultNamespace.
func ParseOrDefault(s, defaultNamespace string) (ID, error) {
	if strings.Contains(s, "/") {
		return Parse(s)
	}
	id := ID{Namespace: defaultNamespace, Name: s}
	if err := validate(id); err != nil {
		return ID{}, err
	}
	return id, nil
}

// FromSafePath parses the filesystem-encoded "namespace--name" form back
// into an ID, recovering the original id (round-trip invariant, spec.md §8).
func FromSafePath(s string) (ID, error) {
	ns, name, ok := strings.Cut(s, "--")
	if !ok {
		return ID{}, wardenerr.Validationf("safe path %q missing '--' separator", s)
	}
	id := ID{Namespace: ns, Name: name}
	if err := validate(id); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Qualified renders the "namespace/name" form.
func (id ID) Qualified() string {
	return id.Namespace + "/" + id.Name
}

// SafePath renders the filesystem-safe "namespace--name" form used for log
// directories (spec.md §3: "converting namespace/daemon -> namespace--daemon").
func (id ID) SafePath() string {
	return id.Namespace + "--" + id.Name
}

func (id ID) String() string { return id.Qualified() }

func (id ID) IsZero() bool { return id.Namespace == "" && id.Name == "" }

// validateComponent enforces the character rules from spec.md §3/§6:
// non-empty ASCII, no '/', no spaces, no "..", no "--".
func validateComponent(s, label string) error {
	if s == "" {
		return wardenerr.Validationf("%s cannot be empty", label)
	}
	for _, r := range s {
		if r > 127 {
			return wardenerr.Validationf("%s %q contains non-ASCII character %q", label, s, r)
		}
		if r == ' ' || r == '\t' || r == '\n' {
			return wardenerr.Validationf("%s %q contains whitespace", label, s)
		}
	}
	if strings.Contains(s, "/") {
		return wardenerr.Validationf("%s %q contains '/'", label, s)
	}
	if strings.Contains(s, "..") {
		return wardenerr.Validationf("%s %q contains '..'", label, s)
	}
	if strings.Contains(s, "--") {
		return wardenerr.Validationf("%s %q contains reserved sequence '--'", label, s)
	}
	return nil
}

func validate(id ID) error {
	if err := validateComponent(id.Namespace, "namespace"); err != nil {
		return err
	}
	return validateComponent(id.Name, "name")
}

// Validate re-checks an already-constructed ID, used when an ID arrives
// over IPC rather than through Parse.
func Validate(id ID) error { return validate(id) }

// Resolve applies the short-name resolution order from spec.md §3:
// (a) current-directory namespace, (b) unique match anywhere in the
// merged config, (c) global/<name>, (d) not-found. candidates is the set
// of qualified ids known to the merged config, used for step (b).
func Resolve(short, cwdNamespace string, candidates []ID) (ID, error) {
	if strings.Contains(short, "/") {
		return Parse(short)
	}
	if err := validateComponent(short, "name"); err != nil {
		return ID{}, err
	}

	// (a) current-directory namespace
	if cwdNamespace != "" {
		want := ID{Namespace: cwdNamespace, Name: short}
		for _, c := range candidates {
			if c == want {
				return want, nil
			}
		}
	}

	// (b) unique match anywhere in merged config
	var matches []ID
	for _, c := range candidates {
		if c.Name == short {
			matches = append(matches, c)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Qualified()
		}
		return ID{}, wardenerr.New(wardenerr.Ambiguous,
			fmt.Sprintf("%q matches multiple daemons: %s", short, strings.Join(names, ", ")))
	}

	// (c) global/<name>
	globalID := ID{Namespace: Global, Name: short}
	for _, c := range candidates {
		if c == globalID {
			return globalID, nil
		}
	}

	// (d) not found
	return ID{}, wardenerr.NotFoundf("no daemon named %q", short)
}
