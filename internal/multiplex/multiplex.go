// Package multiplex picks the service binary matching a requested services
// version and replaces the current process with it.
package multiplex

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Target is one installed services version.
type Target struct {
	Binary        string   `yaml:"binary"`
	Path          []string `yaml:"path"`
	LDLibraryPath []string `yaml:"ld_library_path"`
	XDGDataDirs   []string `yaml:"xdg_data_dirs"`
}

// ErrUnknownVersion is returned for versions missing from the table.
var ErrUnknownVersion = errors.New("don't know how to spawn services version")

// DefaultTargets are the versions shipped inside the services bundle.
func DefaultTargets() map[string]Target {
	return map[string]Target{
		"1": {
			Binary:        "/app/eos-knowledge-services/1/bin/eks-search-provider-v1",
			Path:          []string{"/app/sdk/1/bin", "/app/eos-knowledge-services/1/bin"},
			LDLibraryPath: []string{"/app/sdk/1/lib", "/app/eos-knowledge-services/1/lib"},
			XDGDataDirs:   []string{"/app/sdk/1/share", "/app/eos-knowledge-services/1/share"},
		},
		"2": {
			Binary:        "/app/eos-knowledge-services/2/bin/eks-search-provider-v2",
			Path:          []string{"/app/sdk/3/bin", "/app/eos-knowledge-services/2/bin"},
			LDLibraryPath: []string{"/app/sdk/3/lib", "/app/eos-knowledge-services/2/lib"},
			XDGDataDirs:   []string{"/app/sdk/3/share", "/app/eos-knowledge-services/2/share"},
		},
	}
}

// Select looks version up in targets.
func Select(version string, targets map[string]Target) (Target, error) {
	t, ok := targets[version]
	if !ok || t.Binary == "" {
		known := make([]string, 0, len(targets))
		for v := range targets {
			known = append(known, v)
		}
		sort.Strings(known)
		return Target{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownVersion, version, strings.Join(known, ", "))
	}
	return t, nil
}

// Environ rewrites PATH, LD_LIBRARY_PATH and XDG_DATA_DIRS in env to the
// target's directories. Variables absent from env are left absent, and
// variables for which the target lists no directories are kept as they are.
func Environ(env []string, t Target) []string {
	overrides := map[string][]string{
		"PATH":            t.Path,
		"LD_LIBRARY_PATH": t.LDLibraryPath,
		"XDG_DATA_DIRS":   t.XDGDataDirs,
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if paths := overrides[name]; ok && len(paths) > 0 {
			kv = name + "=" + strings.Join(paths, ":")
		}
		out = append(out, kv)
	}
	return out
}

// Exec replaces the current process with the target binary. It only
// returns on failure.
func Exec(t Target, args []string) error {
	argv := append([]string{t.Binary}, args...)
	if err := unix.Exec(t.Binary, argv, Environ(os.Environ(), t)); err != nil {
		return fmt.Errorf("exec %s: %w", t.Binary, err)
	}
	return nil
}
