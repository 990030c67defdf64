package jobstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteInputFiles materializes each file's inline Contents under
// workDir so a queue backend has something to stage or run against.
// Files with no inline Contents (a Path reference) are left for the
// backend to resolve itself.
func WriteInputFiles(workDir string, files []InputFile) error {
	for _, f := range files {
		if f.Contents == "" {
			continue
		}
		path := filepath.Join(workDir, f.Filename)
		if err := os.WriteFile(path, []byte(f.Contents), 0644); err != nil {
			return fmt.Errorf("write input file %s: %w", f.Filename, err)
		}
	}
	return nil
}
