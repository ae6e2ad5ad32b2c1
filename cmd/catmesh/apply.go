package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cheshire-cat-ai/catmesh/mesh/propagation"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// newApplyFunc returns the sink applied updates are handed to. With a path
// the payload replaces the file atomically so a watcher never sees a partial
// write; without one updates are only logged.
func newApplyFunc(logger *zap.Logger, path string) propagation.ApplyFunc {
	if path == "" {
		return func(ctx context.Context, version uint64, payload []byte) error {
			logger.Info("update applied",
				zap.Uint64("version", version),
				zap.ByteString("payload", payload))
			return nil
		}
	}

	return func(ctx context.Context, version uint64, payload []byte) error {
		err := writeFileAtomic(path, payload)
		if err != nil {
			return errors.Wrapf(err, "failed to write update %d", version)
		}

		logger.Info("update written",
			zap.Uint64("version", version),
			zap.String("path", path),
			zap.Int("size", len(payload)))
		return nil
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
