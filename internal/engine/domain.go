package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/query"
	_ "modernc.org/sqlite"
)

// domain is the opened content database of one application.
type domain struct {
	appID  string
	dir    string
	shards []*shard

	// inflight tracks queries so an invalidated domain is closed only once
	// they finish.
	inflight sync.WaitGroup
}

type shard struct {
	path string
	db   *sql.DB
}

func (d *domain) paths() []string {
	out := make([]string, len(d.shards))
	for i, s := range d.shards {
		out[i] = s.path
	}
	return out
}

func (d *domain) close() {
	for _, s := range d.shards {
		_ = s.db.Close()
	}
}

func validAppID(appID string) bool {
	return appID != "" && appID != "." && appID != ".." &&
		!strings.ContainsAny(appID, `/\`) && !strings.ContainsRune(appID, 0)
}

// findDomainDir returns the first <dataDir>/<appID> holding a manifest.
func findDomainDir(dataDirs []string, appID string) (string, error) {
	if !validAppID(appID) {
		return "", query.Errorf(query.CodePathNotFound, "invalid application id %q", appID)
	}
	for _, base := range dataDirs {
		dir := filepath.Join(base, appID)
		if _, err := os.Stat(filepath.Join(dir, api.ManifestFile)); err == nil {
			return dir, nil
		}
	}
	return "", query.Wrap(query.CodePathNotFound, fs.ErrNotExist,
		fmt.Sprintf("no content for %s in %s", appID, strings.Join(dataDirs, ":")))
}

func readManifest(dir string) (*api.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, api.ManifestFile))
	if err != nil {
		return nil, query.Wrap(query.CodeBadManifest, err, "read manifest")
	}
	var m api.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, query.Wrap(query.CodeBadManifest, err, "parse manifest")
	}
	if m.Version != api.ManifestVersion {
		return nil, query.Errorf(query.CodeUnsupportedVersion,
			"manifest version %d, want %d", m.Version, api.ManifestVersion)
	}
	if len(m.Shards) == 0 {
		return nil, query.Errorf(query.CodeEmpty, "manifest in %s lists no shards", dir)
	}
	return &m, nil
}

// openDomain loads the manifest in dir and opens every shard read-only.
// Shards listed twice are opened once.
func openDomain(appID, dir string) (*domain, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	d := &domain{appID: appID, dir: dir}
	seen := make(map[string]bool, len(m.Shards))
	for _, s := range m.Shards {
		p := s.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true

		db, err := openShard(p)
		if err != nil {
			d.close()
			return nil, err
		}
		d.shards = append(d.shards, &shard{path: p, db: db})
	}
	return d, nil
}

func openShard(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, query.Wrap(query.CodeBadManifest, err, "shard missing")
		}
		return nil, fmt.Errorf("stat shard %s: %w", path, err)
	}

	// The pragma goes in the DSN so every pooled connection gets it.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'objects'").Scan(&n); err != nil || n == 0 {
		_ = db.Close()
		if err == nil {
			err = errors.New("objects table missing")
		}
		return nil, query.Wrap(query.CodeBadManifest, err, "invalid shard "+path)
	}
	return db, nil
}
