package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Stage copies src into dir under a unique name and returns the copy's path.
// Processing removes the staged copy, never the caller's original.
func Stage(dir, src string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("error creating upload dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("error opening report: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("error creating staged report: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("error staging report: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("error staging report: %w", err)
	}
	return dst, nil
}
