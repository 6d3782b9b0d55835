// Package cleanup removes the payload files of downloads that are deleted, failed or evicted.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/italolelis/download_manager/internal/logctx"
)

// Remover deletes download payloads from a filesystem.
type Remover struct {
	fs afero.Fs
}

// NewRemover returns a Remover working on fsys. Use afero.NewOsFs() in production.
func NewRemover(fsys afero.Fs) *Remover {
	return &Remover{fs: fsys}
}

// DeleteFileIfExists removes path. An empty path or a file that is already gone is not an error.
func (r *Remover) DeleteFileIfExists(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	if _, err := r.fs.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to stat file %q: %w", path, err)
	}

	if err := r.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file %q: %w", path, err)
	}

	logger.Debug("deleted file", "file", path)

	return nil
}
