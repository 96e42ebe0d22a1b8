// Package fileutil provides file system utility functions used to locate
// soundfonts and write the session archive.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FindFileCaseInsensitive searches for a file with the given name in the specified directory.
// The search is case-insensitive, which is useful for cross-platform compatibility.
//
// Parameters:
//   - dir: The directory to search in
//   - filename: The filename to search for (case-insensitive)
//
// Returns:
//   - string: The actual path to the file if found
//   - error: Error if the file is not found or if there's an I/O error
//
// Example:
//
//	path, err := FindFileCaseInsensitive("/path/to/dir", "MyFile.TXT")
//	// Will find "myfile.txt", "MYFILE.TXT", "MyFile.txt", etc.
func FindFileCaseInsensitive(dir, filename string) (string, error) {
	// Normalize the search filename to lowercase for comparison
	searchName := strings.ToLower(filename)

	// Read directory entries
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	// Search for matching file (case-insensitive)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		// Compare lowercase versions
		if strings.ToLower(entry.Name()) == searchName {
			return filepath.Join(dir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("file not found: %s (searched in %s)", filename, dir)
}

// SectionArchivePaths returns the .mid and .txt paths a finished section
// should be archived to under dir, timestamped so consecutive sections
// never collide.
func SectionArchivePaths(dir string, sectionIndex int, at time.Time) (midPath, txtPath string) {
	stem := fmt.Sprintf("section-%04d-%s", sectionIndex, at.Format("20060102-150405"))
	return filepath.Join(dir, stem+".mid"), filepath.Join(dir, stem+".txt")
}

// EnsureDir creates dir (and any missing parents) if it does not already
// exist.
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("fileutil: archive directory is empty")
	}
	return os.MkdirAll(dir, 0o755)
}
