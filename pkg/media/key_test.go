package media

import (
	"strings"
	"testing"
)

func TestCacheKeyIsStableAndNormalized(t *testing.T) {
	a := CacheKey("https://CDN.Example.com/u/42/photo.JPG#preview")
	b := CacheKey("  https://cdn.example.com/u/42/photo.JPG ")
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
	if !strings.HasSuffix(a, ".jpg") {
		t.Fatalf("expected lowercase extension suffix, got %q", a)
	}
	if !IsCacheKey(a) {
		t.Fatalf("expected %q to be recognised as a cache key", a)
	}
}

func TestCacheKeyKeepsQueryDistinct(t *testing.T) {
	if CacheKey("https://x.test/a.png?v=1") == CacheKey("https://x.test/a.png?v=2") {
		t.Fatalf("expected different keys for different queries")
	}
}

func TestCacheKeyIsFilesystemSafe(t *testing.T) {
	for _, src := range []string{
		"../../etc/passwd",
		"file:///var/mobile/Media/DCIM/IMG_0001.HEIC",
		"content://media/external/images/7",
		"weird name with spaces.mp4",
		"x.a/b",
	} {
		key := CacheKey(src)
		if strings.ContainsAny(key, `/\: `) {
			t.Fatalf("key %q for %q is not filesystem-safe", key, src)
		}
		if !IsCacheKey(key) {
			t.Fatalf("key %q for %q not recognised", key, src)
		}
	}
}

func TestIsCacheKeyRejectsForeignNames(t *testing.T) {
	for _, name := range []string{"", "notes.txt", strings.Repeat("z", 64), strings.Repeat("a", 64) + ".tmp-123"} {
		if IsCacheKey(name) {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}
