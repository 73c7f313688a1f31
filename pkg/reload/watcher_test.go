package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ForwardsWrites(t *testing.T) {
	root := t.TempDir()
	tplDir := filepath.Join(root, "templates")
	cfgDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(tplDir, 0o755))
	require.NoError(t, os.Mkdir(cfgDir, 0o755))

	c := newTestCoordinator(t, Config{DefaultWindow: 20 * time.Millisecond})
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	w, err := NewWatcher(c, map[string]Category{
		tplDir: CategoryTemplates,
		cfgDir: CategoryConfig,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	path := filepath.Join(tplDir, "index.html")
	require.NoError(t, os.WriteFile(path, []byte("<html></html>"), 0o644))

	ev := waitEvent(t, events)
	assert.Equal(t, CategoryTemplates, ev.Category)
	assert.Contains(t, ev.Paths, path)
}

func TestWatcher_ClassifiesByDirectory(t *testing.T) {
	root := t.TempDir()
	tplDir := filepath.Join(root, "templates")
	cfgDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(tplDir, 0o755))
	require.NoError(t, os.Mkdir(cfgDir, 0o755))

	c := newTestCoordinator(t, Config{DefaultWindow: 20 * time.Millisecond})
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	w, err := NewWatcher(c, map[string]Category{
		tplDir: CategoryTemplates,
		cfgDir: CategoryConfig,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "app.yml"), []byte("a: 1"), 0o644))

	ev := waitEvent(t, events)
	assert.Equal(t, CategoryConfig, ev.Category)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	w, err := NewWatcher(c, map[string]Category{
		filepath.Join(t.TempDir(), "absent"): CategoryTemplates,
	})
	require.NoError(t, err)

	err = w.Start()
	assert.Error(t, err)
	assert.NoError(t, w.Close())
}

func TestWatcher_Categorize(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	w, err := NewWatcher(c, map[string]Category{
		"/app/assets":     CategoryAssets,
		"/app/assets/css": CategoryTemplates,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	// Longest matching directory wins when mappings nest.
	cat, ok := w.categorize("/app/assets/css/site.css")
	require.True(t, ok)
	assert.Equal(t, CategoryTemplates, cat)

	cat, ok = w.categorize("/app/assets/logo.png")
	require.True(t, ok)
	assert.Equal(t, CategoryAssets, cat)

	_, ok = w.categorize("/elsewhere/file.txt")
	assert.False(t, ok)
}
