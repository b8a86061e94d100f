package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	p, err := New(t.TempDir())
	require.NoError(t, err)
	return p
}

func TestPublishAndFetchRoundTrip(t *testing.T) {
	p := newTestPublisher(t)

	url, err := p.Publish("sbx-1", "out.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "/sandbox/file/sbx-1/out.txt", url)

	data, ctype, err := p.Fetch("sbx-1", "out.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "text/plain; charset=utf-8", ctype)
}

func TestPublishNestedPath(t *testing.T) {
	p := newTestPublisher(t)
	url, err := p.Publish("sbx-1", "plots/fig1.png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	assert.Equal(t, "/sandbox/file/sbx-1/plots/fig1.png", url)

	data, _, err := p.Fetch("sbx-1", "plots/fig1.png")
	require.NoError(t, err)
	assert.Len(t, data, 4)
}

func TestFetchUnknownFile(t *testing.T) {
	p := newTestPublisher(t)
	_, _, err := p.Fetch("sbx-1", "missing.txt")
	assert.ErrorIs(t, err, sandboxerr.ErrNotFound)
}

func TestResolveRejectsPathEscape(t *testing.T) {
	p := newTestPublisher(t)
	cases := []string{"../etc/passwd", "../../x", "a/../../b", "/etc/passwd", ""}
	for _, rel := range cases {
		_, err := p.Publish("sbx-1", rel, []byte("x"))
		assert.ErrorIs(t, err, sandboxerr.ErrBadPath, "path %q should be rejected", rel)
	}
}

func TestForgetRemovesAllFilesForSandbox(t *testing.T) {
	p := newTestPublisher(t)
	_, err := p.Publish("sbx-1", "a.txt", []byte("a"))
	require.NoError(t, err)
	_, err = p.Publish("sbx-1", "b.txt", []byte("b"))
	require.NoError(t, err)
	_, err = p.Publish("sbx-2", "c.txt", []byte("c"))
	require.NoError(t, err)

	require.NoError(t, p.Forget("sbx-1"))

	_, _, err = p.Fetch("sbx-1", "a.txt")
	assert.ErrorIs(t, err, sandboxerr.ErrNotFound)
	_, _, err = p.Fetch("sbx-2", "c.txt")
	assert.NoError(t, err, "forgetting one sandbox must not affect another's files")
}

func TestPruneRemovesOnlyStaleFiles(t *testing.T) {
	p := newTestPublisher(t)
	_, err := p.Publish("sbx-1", "old.txt", []byte("old"))
	require.NoError(t, err)

	// Backdate the index entry directly rather than sleeping in the test.
	p.mu.Lock()
	p.index["sbx-1/old.txt"] = time.Now().Add(-2 * time.Hour)
	p.mu.Unlock()

	_, err = p.Publish("sbx-1", "fresh.txt", []byte("fresh"))
	require.NoError(t, err)

	require.NoError(t, p.Prune(time.Now(), time.Hour))

	_, _, err = p.Fetch("sbx-1", "old.txt")
	assert.ErrorIs(t, err, sandboxerr.ErrNotFound)
	_, _, err = p.Fetch("sbx-1", "fresh.txt")
	assert.NoError(t, err)
}

func TestRebuildIndexFromExistingFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir)
	require.NoError(t, err)
	_, err = p.Publish("sbx-1", "a.txt", []byte("a"))
	require.NoError(t, err)

	reopened, err := New(dir)
	require.NoError(t, err)
	data, _, err := reopened.Fetch("sbx-1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}
