package standard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeTree struct {
	root string
}

func (f fakeTree) EnsureAtCommit(ctx context.Context, version, commit string) (string, error) {
	return f.root, nil
}

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "taxonomy.csv"), []byte("FS,IM\n"), 0o644); err != nil {
		t.Fatalf("write taxonomy.csv: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "schema.json"), []byte(`{"type":"object"}`), 0o644); err != nil {
		t.Fatalf("write schema.json: %v", err)
	}
	return dir
}

func TestResolveMatchingPinnedVersionSucceeds(t *testing.T) {
	root := writeTestTree(t)
	dirSHA, err := DirectorySHA256(root)
	if err != nil {
		t.Fatalf("compute dir sha: %v", err)
	}

	r, err := NewResolver(Config{
		Pinned:    Pinned{Version: "1.0.0", Commit: "abc123", DirSHA256: dirSHA},
		Tree:      fakeTree{root: root},
		CacheRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	art, err := r.Resolve(context.Background(), "1.0.0", "abc123def", ResolveOptions{})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if art.ArtifactsDirSHA256 != dirSHA {
		t.Fatalf("expected matching dir sha, got %s want %s", art.ArtifactsDirSHA256, dirSHA)
	}
}

func TestResolveMismatchedDirSHAFails(t *testing.T) {
	root := writeTestTree(t)

	r, err := NewResolver(Config{
		Pinned:    Pinned{Version: "1.0.0", Commit: "abc123", DirSHA256: "0000000000000000000000000000000000000000000000000000000000000000"},
		Tree:      fakeTree{root: root},
		CacheRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	_, err = r.Resolve(context.Background(), "1.0.0", "abc123def", ResolveOptions{})
	if err == nil {
		t.Fatalf("expected pinning error on directory sha mismatch")
	}
	var pinErr *PinningError
	if !asPinningError(err, &pinErr) {
		t.Fatalf("expected a *PinningError, got %T: %v", err, err)
	}
	if !pinErr.FailClosed {
		t.Fatalf("expected dir sha mismatch to be fail-closed")
	}
}

func TestSkipPinningCheckWithoutEnvVarFails(t *testing.T) {
	root := writeTestTree(t)
	os.Unsetenv(SkipPinningCheckEnvVar)

	r, err := NewResolver(Config{
		Pinned:    Pinned{Version: "1.0.0", Commit: "abc123", DirSHA256: "mismatch"},
		Tree:      fakeTree{root: root},
		CacheRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	_, err = r.Resolve(context.Background(), "1.0.0", "abc123def", ResolveOptions{SkipPinningCheck: true})
	if err == nil {
		t.Fatalf("expected skip request without env var set to fail")
	}
}

func TestSkipPinningCheckWithEnvVarSucceeds(t *testing.T) {
	root := writeTestTree(t)
	t.Setenv(SkipPinningCheckEnvVar, "1")

	r, err := NewResolver(Config{
		Pinned:    Pinned{Version: "1.0.0", Commit: "abc123", DirSHA256: "mismatch"},
		Tree:      fakeTree{root: root},
		CacheRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if _, err := r.Resolve(context.Background(), "1.0.0", "abc123def", ResolveOptions{SkipPinningCheck: true}); err != nil {
		t.Fatalf("expected skip to succeed when env var is set: %v", err)
	}
}

func TestNonPinnedVersionBypassesGuard(t *testing.T) {
	root := writeTestTree(t)

	r, err := NewResolver(Config{
		Pinned:    Pinned{Version: "1.0.0", Commit: "abc123", DirSHA256: "irrelevant"},
		Tree:      fakeTree{root: root},
		CacheRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if _, err := r.Resolve(context.Background(), "2.0.0", "zzz", ResolveOptions{}); err != nil {
		t.Fatalf("expected a non-pinned version to bypass the guard, got: %v", err)
	}
}

func TestCacheSyncShortCircuitsOnValidManifest(t *testing.T) {
	root := writeTestTree(t)
	dirSHA, err := DirectorySHA256(root)
	if err != nil {
		t.Fatalf("compute dir sha: %v", err)
	}
	cacheRoot := t.TempDir()

	r, err := NewResolver(Config{
		Pinned:    Pinned{Version: "1.0.0", Commit: "abc123", DirSHA256: dirSHA},
		Tree:      fakeTree{root: root},
		CacheRoot: cacheRoot,
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if _, err := r.Resolve(context.Background(), "1.0.0", "abc123def", ResolveOptions{}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	manifestPath := filepath.Join(cacheRoot, "v1.0.0", "manifest.json")
	info1, err := os.Stat(manifestPath)
	if err != nil {
		t.Fatalf("expected manifest to exist: %v", err)
	}

	if _, err := r.Resolve(context.Background(), "1.0.0", "abc123def", ResolveOptions{}); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	info2, err := os.Stat(manifestPath)
	if err != nil {
		t.Fatalf("expected manifest to still exist: %v", err)
	}
	if info1.ModTime() != info2.ModTime() {
		t.Fatalf("expected second resolve to short-circuit without rewriting the manifest")
	}
}

func asPinningError(err error, target **PinningError) bool {
	pe, ok := err.(*PinningError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
