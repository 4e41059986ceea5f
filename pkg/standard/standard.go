// Package standard implements C2: the Standard Resolver. It resolves an
// immutable set of artifacts for a requested AIMO Standard version, enforces
// a pinning guard against the engine's compiled-in (version, commit,
// directory SHA) triple, and mirrors artifacts into a content-addressed
// cache keyed by version.
package standard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/aimo-labs/evidence-engine/pkg/artifacts"
	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// SkipPinningCheckEnvVar is the only environment variable that can authorize
// a skip_pinning_check request. Its absence converts a skip request into an
// immediate failure rather than silently proceeding.
const SkipPinningCheckEnvVar = "AIMO_ALLOW_SKIP_PINNING"

// Pinned is the engine's compiled-in trust anchor for the Standard.
type Pinned struct {
	Version  string
	Commit   string
	DirSHA256 string
}

// PinningError names the verification step that failed and whether the
// caller must treat it as fatal.
type PinningError struct {
	Step       string
	Reason     string
	FailClosed bool
}

func (e *PinningError) Error() string {
	return fmt.Sprintf("standard: pinning check failed at %q: %s", e.Step, e.Reason)
}

// SourceTree abstracts over however the local artifact tree is obtained
// (git checkout, vendored directory, remote fetch) so the resolver itself
// has no VCS dependency.
type SourceTree interface {
	// EnsureAtCommit makes the local tree reflect the given commit,
	// returning its local root path.
	EnsureAtCommit(ctx context.Context, version, commit string) (rootPath string, err error)
}

// Resolver resolves and mirrors Standard artifact trees.
type Resolver struct {
	pinned    Pinned
	tree      SourceTree
	cacheRoot string
	store     artifacts.Store
}

// Config configures a Resolver.
type Config struct {
	Pinned    Pinned
	Tree      SourceTree
	CacheRoot string // e.g. ~/.cache/<ns>/standard
	Store     artifacts.Store
}

// NewResolver constructs a Resolver. If cfg.Store is nil, a FileStore rooted
// at cfg.CacheRoot is created.
func NewResolver(cfg Config) (*Resolver, error) {
	store := cfg.Store
	if store == nil {
		fs, err := artifacts.NewFileStore(cfg.CacheRoot)
		if err != nil {
			return nil, fmt.Errorf("standard: init cache store: %w", err)
		}
		store = fs
	}
	return &Resolver{pinned: cfg.Pinned, tree: cfg.Tree, cacheRoot: cfg.CacheRoot, store: store}, nil
}

// ResolveOptions controls the pinning escape hatch.
type ResolveOptions struct {
	SkipPinningCheck bool
}

// Resolve ensures the local tree is at the pinned commit for the requested
// version, computes the directory SHA, and — if the requested version
// equals the pinned version — enforces the pinning guard, then mirrors
// artifacts into the content-addressed cache and returns the resolved
// StandardArtifacts.
func (r *Resolver) Resolve(ctx context.Context, version, commit string, opt ResolveOptions) (contracts.StandardArtifacts, error) {
	rootPath, err := r.tree.EnsureAtCommit(ctx, version, commit)
	if err != nil {
		return contracts.StandardArtifacts{}, &PinningError{Step: "tree checkout", Reason: err.Error(), FailClosed: true}
	}

	dirSHA, err := DirectorySHA256(rootPath)
	if err != nil {
		return contracts.StandardArtifacts{}, &PinningError{Step: "directory hash", Reason: err.Error(), FailClosed: true}
	}

	if version == r.pinned.Version {
		if err := r.enforcePinning(version, commit, dirSHA, opt); err != nil {
			return contracts.StandardArtifacts{}, err
		}
	}

	if err := r.syncCache(ctx, version, rootPath, dirSHA); err != nil {
		return contracts.StandardArtifacts{}, fmt.Errorf("standard: cache sync: %w", err)
	}

	return contracts.StandardArtifacts{
		Version:            version,
		Commit:             commit,
		ArtifactsDirSHA256: dirSHA,
	}, nil
}

func (r *Resolver) enforcePinning(version, commit, dirSHA string, opt ResolveOptions) error {
	if opt.SkipPinningCheck {
		switch strings.ToLower(os.Getenv(SkipPinningCheckEnvVar)) {
		case "1", "true", "yes":
			return nil
		default:
			return &PinningError{
				Step:       "skip_pinning_check authorization",
				Reason:     fmt.Sprintf("skip requested but %s is not set to 1/true/yes", SkipPinningCheckEnvVar),
				FailClosed: true,
			}
		}
	}

	if !strings.HasPrefix(r.pinned.Commit, commit) && !strings.HasPrefix(commit, r.pinned.Commit) {
		return &PinningError{
			Step:       "commit verification",
			Reason:     fmt.Sprintf("expected commit prefix %s, got %s", r.pinned.Commit, commit),
			FailClosed: true,
		}
	}
	if dirSHA != r.pinned.DirSHA256 {
		return &PinningError{
			Step:       "directory sha verification",
			Reason:     fmt.Sprintf("expected %s, got %s", r.pinned.DirSHA256, dirSHA),
			FailClosed: true,
		}
	}
	return nil
}

// cacheManifest describes a mirrored version's contents for short-circuit
// re-sync detection.
type cacheManifest struct {
	Version string            `json:"version"`
	DirSHA  string            `json:"dir_sha256"`
	Files   map[string]string `json:"files"` // relative path -> sha256 hex
}

func (r *Resolver) syncCache(ctx context.Context, version, rootPath, dirSHA string) error {
	versionDir := filepath.Join(r.cacheRoot, "v"+version)
	manifestPath := filepath.Join(versionDir, "manifest.json")

	if existing, err := readManifest(manifestPath); err == nil && existing.DirSHA == dirSHA {
		return nil // present, valid manifest short-circuits re-sync
	}

	files := make(map[string]string)
	err := filepath.Walk(rootPath, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		hash, err := r.store.Store(ctx, data)
		if err != nil {
			return err
		}
		files[rel] = hash
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return err
	}
	manifest := cacheManifest{Version: version, DirSHA: dirSHA, Files: files}
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(manifestPath, data, 0o644)
}

func readManifest(path string) (*cacheManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m cacheManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DirectorySHA256 computes a deterministic hash over a directory tree: every
// regular file's relative path and content hash, sorted by path, hashed
// together.
func DirectorySHA256(root string) (string, error) {
	type entry struct {
		rel  string
		hash string
	}
	var entries []entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		entries = append(entries, entry{rel: filepath.ToSlash(rel), hash: hex.EncodeToString(sum[:])})
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.rel))
		h.Write([]byte{0})
		h.Write([]byte(e.hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ManifestFiles returns the relpath -> content hash map the resolver wrote
// when it mirrored the given version, so a caller can load a named artifact
// (e.g. "taxonomy.csv") by content hash from Store.
func (r *Resolver) ManifestFiles(version string) (map[string]string, error) {
	path := filepath.Join(r.cacheRoot, "v"+version, "manifest.json")
	m, err := readManifest(path)
	if err != nil {
		return nil, fmt.Errorf("standard: read manifest for v%s: %w", version, err)
	}
	return m.Files, nil
}

// Store exposes the resolver's content-addressed cache store so callers can
// load an artifact by the hash ManifestFiles returned.
func (r *Resolver) Store() artifacts.Store { return r.store }

// CompareVersions compares a and b per semver ordering, returning -1 when a
// is older than b, 0 when they are equal, and +1 when a is newer; used by
// callers choosing between cached mirrors of different versions.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("standard: invalid version %s: %w", a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("standard: invalid version %s: %w", b, err)
	}
	return va.Compare(vb), nil
}
