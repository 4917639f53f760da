package captioner

import (
	"os"
	"path/filepath"
)

const (
	ExportFileName    = "ai_description.txt"
	ExportContentType = "text/plain; charset=utf-8"
)

// WriteExport stores caption as ai_description.txt inside dir and returns the path.
func WriteExport(dir string, caption string) (string, error) {
	path := filepath.Join(dir, ExportFileName)
	if err := os.WriteFile(path, []byte(caption), 0644); err != nil {
		return "", err
	}
	return path, nil
}
