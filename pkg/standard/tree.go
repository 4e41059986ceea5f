package standard

import (
	"context"
	"fmt"
	"os"
)

// LocalDirTree is the simplest SourceTree: a directory the operator has
// already checked out to the commit they intend to run against. Fetching
// or verifying that checkout against the external Standard artifact
// repository is out of this engine's scope; only the resolved tree's
// contents are consumed here, never its provenance mechanics.
type LocalDirTree struct {
	Root string
}

// EnsureAtCommit implements SourceTree by trusting that Root already
// reflects the requested version/commit and simply confirming it exists.
func (t LocalDirTree) EnsureAtCommit(ctx context.Context, version, commit string) (string, error) {
	info, err := os.Stat(t.Root)
	if err != nil {
		return "", fmt.Errorf("standard: local artifact tree %s: %w", t.Root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("standard: local artifact tree %s is not a directory", t.Root)
	}
	return t.Root, nil
}
