package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gridforge/gridforge/internal/schema"
	"github.com/stretchr/testify/require"
)

func outputSchema() schema.Schema {
	return schema.Schema{Fields: []schema.Field{
		{Name: "out_file", Type: schema.TypeFile},
		{Name: "out_message", Type: schema.TypeString},
	}}
}

func inputSchema() schema.Schema {
	return schema.Schema{Fields: []schema.Field{
		{Name: "scalar", Type: schema.TypeInt},
		{Name: "in_file", Type: schema.TypeFile},
	}}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFingerprintDeterministic(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "in.txt")
	writeFile(t, filePath, gofakeit.Sentence(10))

	r := schema.Record{"scalar": int64(3), "in_file": filePath}
	k1, err := Fingerprint(inputSchema(), r)
	require.NoError(t, err)
	k2, err := Fingerprint(inputSchema(), r)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "fingerprint must be deterministic for identical inputs")

	// Different file contents -> different key.
	filePath2 := filepath.Join(dir, "in2.txt")
	writeFile(t, filePath2, gofakeit.Sentence(10))
	r2 := schema.Record{"scalar": int64(3), "in_file": filePath2}
	k3, err := Fingerprint(inputSchema(), r2)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3, "different file contents must produce different fingerprints")
}

func TestSaveLookupLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	c := New(root, 10)

	srcDir := t.TempDir()
	contents := gofakeit.Sentence(20)
	writeFile(t, filepath.Join(srcDir, "out.bin"), contents)

	manifest := schema.Record{
		"out_file":    filepath.Join(srcDir, "out.bin"),
		"out_message": "this worked",
	}

	key := gofakeit.UUID()
	require.NoError(t, c.Save(outputSchema(), key, manifest, srcDir))

	got, err := c.Lookup(outputSchema(), key)
	require.NoError(t, err)
	require.NotNil(t, got, "expected cache hit")
	require.Equal(t, "this worked", got["out_message"])

	destDir := t.TempDir()
	loaded, err := c.Load(outputSchema(), key, destDir)
	require.NoError(t, err)
	outPath, _ := loaded["out_file"].(string)
	data, err := os.ReadFile(outPath)
	require.NoErrorf(t, err, "loaded file missing at %s", outPath)
	require.Equal(t, contents, string(data))
}

func TestSaveIsFirstWriterWins(t *testing.T) {
	root := t.TempDir()
	c := New(root, 10)

	srcDir1 := t.TempDir()
	writeFile(t, filepath.Join(srcDir1, "out.bin"), "first")
	manifest1 := schema.Record{"out_file": filepath.Join(srcDir1, "out.bin"), "out_message": "first"}

	srcDir2 := t.TempDir()
	writeFile(t, filepath.Join(srcDir2, "out.bin"), "second")
	manifest2 := schema.Record{"out_file": filepath.Join(srcDir2, "out.bin"), "out_message": "second"}

	key := "samekey"
	require.NoError(t, c.Save(outputSchema(), key, manifest1, srcDir1))
	require.NoError(t, c.Save(outputSchema(), key, manifest2, srcDir2))

	got, err := c.Lookup(outputSchema(), key)
	require.NoError(t, err)
	require.Equal(t, "first", got["out_message"], "second save should have been a no-op")
}

func TestLookupReportsCacheCorrupted(t *testing.T) {
	root := t.TempDir()
	c := New(root, 10)

	srcDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "out.bin"), "data")
	manifest := schema.Record{"out_file": filepath.Join(srcDir, "out.bin"), "out_message": "ok"}
	key := "corruptme"
	require.NoError(t, c.Save(outputSchema(), key, manifest, srcDir))

	// Simulate corruption: remove the referenced file.
	require.NoError(t, os.RemoveAll(c.filesDir(key)))

	_, err := c.Lookup(outputSchema(), key)
	require.Error(t, err, "expected CacheCorrupted error")
}

func TestEvictKeepsOnlyMostRecentlyAccessed(t *testing.T) {
	root := t.TempDir()
	c := New(root, 2)

	for i := 0; i < 3; i++ {
		srcDir := t.TempDir()
		writeFile(t, filepath.Join(srcDir, "out.bin"), "data")
		manifest := schema.Record{"out_file": filepath.Join(srcDir, "out.bin"), "out_message": "ok"}
		key := string(rune('a' + i))
		require.NoError(t, c.Save(outputSchema(), key, manifest, srcDir))
		// Touch in increasing order of recency so "a" is oldest.
		require.NoError(t, c.touch(key))
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	require.Equal(t, 2, count, "expected 2 entries after eviction")

	_, err = os.Stat(c.entryDir("a"))
	require.Truef(t, os.IsNotExist(err), "expected oldest entry 'a' to be evicted")
}
