package pkgservice

import (
	"archive/zip"
	"errors"
	"fmt"
	"regexp"
)

// manifestEntry must be present in every installable archive.
const manifestEntry = "AndroidManifest.xml"

var packageNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

// ValidateArchive checks that path is a readable zip archive carrying a
// manifest.
func ValidateArchive(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("not a zip archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == manifestEntry {
			return nil
		}
	}
	return errors.New("missing " + manifestEntry)
}

// ValidPackageName reports whether name is a dotted package name with at
// least two segments.
func ValidPackageName(name string) bool {
	return packageNameRe.MatchString(name)
}
