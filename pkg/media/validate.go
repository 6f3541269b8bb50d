package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DefaultMaxUploadBytes bounds uploads when the caller does not supply a limit.
const DefaultMaxUploadBytes = 50 * MiB

// CheckFile stats path and verifies it is a regular file no larger than
// maxSize bytes. A non-positive maxSize selects DefaultMaxUploadBytes. The
// returned size is valid whenever the error is nil.
func CheckFile(path string, maxSize int64) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("%w: empty path", ErrValidationFailed)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s does not exist", ErrValidationFailed, path)
		}
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrValidationFailed, path)
	}
	if info.Size() > maxSize {
		return info.Size(), fmt.Errorf("%w: %s is %s, limit is %s", ErrValidationFailed, path,
			FormatBytes(info.Size()), FormatBytes(maxSize))
	}
	return info.Size(), nil
}
