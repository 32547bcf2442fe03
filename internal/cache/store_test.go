package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/media-cache/internal/resource"
)

func testKey(name string) resource.Key {
	sum := sha256.Sum256([]byte(name))
	return resource.Key(hex.EncodeToString(sum[:]))
}

func TestStoreLayout(t *testing.T) {
	store := newTestStore(t)
	key := testKey("movie")
	path, err := store.Path(Locator{Key: key, Data: resource.DataVOD})
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	want := filepath.Join("vod", string(key)[:2], string(key)+".vod")
	if !bytes.HasSuffix([]byte(path), []byte(want)) {
		t.Fatalf("unexpected layout %s", path)
	}

	path, err = store.Path(Locator{Key: key, Data: resource.DataHLSTs})
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if filepath.Base(filepath.Dir(filepath.Dir(path))) != "hls" {
		t.Fatalf("segments should live under hls/: %s", path)
	}

	if _, err := store.Path(Locator{Key: "../../etc", Data: resource.DataVOD}); err == nil {
		t.Fatalf("invalid key should be rejected")
	}
}

func TestStoreSharedHandleWriteRead(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Key: testKey("shared"), Data: resource.DataVOD}

	a, err := store.Open(locator)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	b, err := store.Open(locator)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if a != b {
		t.Fatalf("same locator should share one handle")
	}

	// 乱序写入
	if _, err := a.WriteAt([]byte("world"), 5); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := b.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("write error: %v", err)
	}
	buf := make([]byte, 10)
	if _, err := a.ReadAt(buf, 0); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(buf) != "helloworld" {
		t.Fatalf("unexpected content %q", buf)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if _, err := b.ReadAt(buf[:5], 0); err != nil {
		t.Fatalf("remaining reference should stay usable: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	size, err := store.Stat(locator)
	if err != nil || size != 10 {
		t.Fatalf("stat mismatch: %d %v", size, err)
	}
}

func TestStoreReplaceAndRemove(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Key: testKey("playlist"), Data: resource.DataHLS}

	n, err := store.Replace(context.Background(), locator, bytes.NewReader([]byte("#EXTM3U\n")))
	if err != nil || n != 8 {
		t.Fatalf("replace error: %d %v", n, err)
	}
	h, err := store.Open(locator)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	buf := make([]byte, 8)
	if _, err := h.ReadAt(buf, 0); err != nil || string(buf) != "#EXTM3U\n" {
		t.Fatalf("unexpected content %q %v", buf, err)
	}

	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Stat(locator); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close detached handle: %v", err)
	}
}

func TestStoreWalkSkipsHiddenAndForeignFiles(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	locator := Locator{Key: testKey("walk"), Data: resource.DataHLSTs}
	h, err := store.Open(locator)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	h.Close()

	mustWrite(t, filepath.Join(base, ".index", "000001.vlog"))
	mustWrite(t, filepath.Join(base, "vod", "zz", "not-a-key.vod"))
	temp := filepath.Join(base, "hls", "ab", ".cache-123")
	mustWrite(t, temp)

	var seen []Locator
	err = store.Walk(context.Background(), func(l Locator, _ int64) error {
		seen = append(seen, l)
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if len(seen) != 1 || seen[0] != locator {
		t.Fatalf("unexpected walk result %v", seen)
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Fatalf("stale temp file should be cleaned")
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}
