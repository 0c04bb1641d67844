// Package shards exposes an application's shard files under the user's
// subscriptions directory so other processes can open them by a stable path.
package shards

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// SubscriptionsDir is both the marker looked for in shard paths and the
// directory name created under ~/.local/share.
const SubscriptionsDir = "com.endlessm.subscriptions"

// Linker creates the symlinks.
type Linker struct {
	fs   billy.Filesystem
	root string
}

// NewLinker links into <home>/.local/share/com.endlessm.subscriptions on fs.
func NewLinker(fsys billy.Filesystem, home string) *Linker {
	return &Linker{
		fs:   fsys,
		root: filepath.Join(home, ".local", "share", SubscriptionsDir),
	}
}

// NewOSLinker is NewLinker on the real filesystem.
func NewOSLinker(home string) *Linker {
	return NewLinker(osfs.New("/"), home)
}

// Root is the directory links are created in.
func (l *Linker) Root() string { return l.root }

// LinkPath is where the link for shard goes: the components of shard after
// the last "com.endlessm.subscriptions" element, or all of them when the
// marker is absent, below Root.
func (l *Linker) LinkPath(shard string) string {
	parts := strings.Split(filepath.ToSlash(shard), "/")
	i := len(parts) - 1
	for ; i >= 0 && parts[i] != SubscriptionsDir; i-- {
	}
	return filepath.Join(append([]string{l.root}, parts[i+1:]...)...)
}

// Link ensures every shard has a link. Existing entries are left alone.
func (l *Linker) Link(shards []string) error {
	for _, shard := range shards {
		link := l.LinkPath(shard)
		if err := l.fs.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(link), err)
		}
		if err := l.fs.Symlink(shard, link); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return fmt.Errorf("link %s: %w", shard, err)
		}
	}
	return nil
}
