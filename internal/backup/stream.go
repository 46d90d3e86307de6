package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lupppig/pgbackup/internal/spool"
)

// stage writes the transformed artifact to ws under name so it can be
// handed to Storage.Upload.
func (s *Service) stage(ws *spool.Workspace, name string, src *spool.File) (path string, err error) {
	path = ws.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}

	bar := s.progress.addBar(name, src.Size())
	defer func() { finishBar(bar, err) }()

	if _, err = src.WriteTo(NewProgressWriter(f, bar)); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// load reads a downloaded artifact into a spooled file for the pipeline.
func (s *Service) load(ws *spool.Workspace, path string) (_ *spool.File, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var size int64
	if info, statErr := f.Stat(); statErr == nil {
		size = info.Size()
	}
	bar := s.progress.addBar(filepath.Base(path), size)
	defer func() { finishBar(bar, err) }()

	out := ws.NewFile()
	if _, err = io.Copy(out, NewProgressReader(f, bar)); err != nil {
		out.Close()
		return nil, err
	}
	if err = out.Rewind(); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}
