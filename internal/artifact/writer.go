// ABOUTME: Atomic response-artifact writer.
// ABOUTME: Temp-file-then-rename so a partial artifact is never visible.

package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// Path returns the canonical artifact location for a request.
func Path(baseDir, workspace, requestID string) string {
	return filepath.Join(baseDir, workspace, "responses", requestID+".json")
}

// Write persists a response artifact at
// {baseDir}/{workspace}/responses/{requestId}.json. The payload lands in a
// temp file first and is renamed into place, so readers either see the whole
// artifact or nothing. Returns the final path.
func Write(baseDir, workspace, requestID string, payload []byte) (string, error) {
	dir := filepath.Join(baseDir, workspace, "responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+requestID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing artifact: %w", err)
	}

	final := filepath.Join(dir, requestID+".json")
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publishing artifact: %w", err)
	}
	return final, nil
}
