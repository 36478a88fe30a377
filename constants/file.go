package constants

import "strings"

// UploadExtensions holds the tabular formats accepted for job submission.
var UploadExtensions = map[string]struct{}{
	"csv":  {},
	"xlsx": {},
}

// ImageExtensions holds the extensions kept verbatim on processed output names.
var ImageExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
