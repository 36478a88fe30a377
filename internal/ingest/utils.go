package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/image-batch/constants"
)

// AllowedExt checks if a file extension is an accepted upload format (csv/xlsx).
func AllowedExt(ext string) bool {
	ext = constants.NormalizeExt(ext)
	_, ok := constants.UploadExtensions[ext]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}
