// Package publish implements the File Publisher: it maps on-host result
// files to stable, capability-style HTTP URLs scoped per sandbox.
package publish

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// Publisher owns {resultsRoot}/{sandbox_id}/... on the host.
type Publisher struct {
	root string

	mu    sync.Mutex
	index map[string]time.Time // "sandboxID/relativePath" -> created_at
}

// New creates a Publisher rooted at resultsRoot, creating the directory if
// needed and rebuilding its creation-time index from existing file mtimes.
func New(resultsRoot string) (*Publisher, error) {
	if err := os.MkdirAll(resultsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create results root: %w", err)
	}
	p := &Publisher{root: resultsRoot, index: make(map[string]time.Time)}
	p.rebuildIndex()
	return p, nil
}

func (p *Publisher) rebuildIndex() {
	filepath.WalkDir(p.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		p.mu.Lock()
		p.index[filepath.ToSlash(rel)] = info.ModTime()
		p.mu.Unlock()
		return nil
	})
}

// Publish atomically writes data under {root}/{sandboxID}/{relativePath}
// and returns the stable URL for it. Fails with sandboxerr.ErrBadPath if
// relativePath escapes the sandbox's subtree.
func (p *Publisher) Publish(sandboxID, relativePath string, data []byte) (string, error) {
	target, err := p.resolve(sandboxID, relativePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w: %w", err, sandboxerr.ErrIO)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w: %w", err, sandboxerr.ErrIO)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w: %w", err, sandboxerr.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w: %w", err, sandboxerr.ErrIO)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename into place: %w: %w", err, sandboxerr.ErrIO)
	}

	key := sandboxID + "/" + filepath.ToSlash(relativePath)
	p.mu.Lock()
	p.index[key] = time.Now()
	p.mu.Unlock()

	return urlFor(sandboxID, relativePath), nil
}

// Fetch reads a published file's bytes and its inferred content type.
func (p *Publisher) Fetch(sandboxID, relativePath string) ([]byte, string, error) {
	target, err := p.resolve(sandboxID, relativePath)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%s: %w", relativePath, sandboxerr.ErrNotFound)
		}
		return nil, "", fmt.Errorf("read published file: %w: %w", err, sandboxerr.ErrIO)
	}
	ctype := mime.TypeByExtension(filepath.Ext(relativePath))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return data, ctype, nil
}

// Forget deletes the whole sandbox subtree, e.g. when the sandbox is reaped.
func (p *Publisher) Forget(sandboxID string) error {
	dir := filepath.Join(p.root, sandboxID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove sandbox files: %w: %w", err, sandboxerr.ErrIO)
	}
	prefix := sandboxID + "/"
	p.mu.Lock()
	for k := range p.index {
		if strings.HasPrefix(k, prefix) {
			delete(p.index, k)
		}
	}
	p.mu.Unlock()
	return nil
}

// Prune deletes files whose recorded creation time is older than ttl
// relative to now.
func (p *Publisher) Prune(now time.Time, ttl time.Duration) error {
	p.mu.Lock()
	var stale []string
	for k, created := range p.index {
		if now.Sub(created) > ttl {
			stale = append(stale, k)
		}
	}
	p.mu.Unlock()

	for _, k := range stale {
		full := filepath.Join(p.root, filepath.FromSlash(k))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune %s: %w: %w", k, err, sandboxerr.ErrIO)
		}
		p.mu.Lock()
		delete(p.index, k)
		p.mu.Unlock()
	}
	return nil
}

// resolve validates relativePath and returns its absolute on-host location,
// rejecting any path that, after normalization and symlink resolution,
// escapes {root}/{sandboxID}/.
func (p *Publisher) resolve(sandboxID, relativePath string) (string, error) {
	if relativePath == "" || filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("path %q: %w", relativePath, sandboxerr.ErrBadPath)
	}
	cleaned := filepath.Clean(relativePath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, string(filepath.Separator)+"..") {
		return "", fmt.Errorf("path %q escapes sandbox root: %w", relativePath, sandboxerr.ErrBadPath)
	}

	base := filepath.Join(p.root, sandboxID)
	target := filepath.Join(base, cleaned)
	if !strings.HasPrefix(target, base+string(filepath.Separator)) && target != base {
		return "", fmt.Errorf("path %q escapes sandbox root: %w", relativePath, sandboxerr.ErrBadPath)
	}

	// Reject symlink escapes: resolve the deepest existing ancestor and
	// ensure it is still contained within base.
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil {
		resolvedBase, _ := filepath.EvalSymlinks(base)
		if resolvedBase != "" && !strings.HasPrefix(resolved, resolvedBase) {
			return "", fmt.Errorf("path %q escapes sandbox root via symlink: %w", relativePath, sandboxerr.ErrBadPath)
		}
	}

	return target, nil
}

// urlFor returns the stable capability URL for a published file.
func urlFor(sandboxID, relativePath string) string {
	parts := strings.Split(filepath.ToSlash(relativePath), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return "/sandbox/file/" + url.PathEscape(sandboxID) + "/" + strings.Join(parts, "/")
}
