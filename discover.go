package lit

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FindTestFiles expands paths into test files. Directories are walked
// recursively and keep files whose extension has a registered comment
// syntax; hidden directories and project files are not descended into.
// Paths naming a file are returned as given, registered or not.
func FindTestFiles(syntax CommentSyntax, paths ...string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		found, err := testFilesInDir(syntax, path)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return files, nil
}

func testFilesInDir(syntax CommentSyntax, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if name == ProjectFileName || !d.Type().IsRegular() {
			return nil
		}
		if _, ok := lookupPath(syntax, name); ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

// Exclude drops every file that is, or lies inside, one of the excluded paths.
func Exclude(files, excluded []string) []string {
	if len(excluded) == 0 {
		return files
	}
	abs := make([]string, 0, len(excluded))
	for _, e := range excluded {
		if e == "" {
			continue
		}
		if a, err := filepath.Abs(e); err == nil {
			abs = append(abs, a)
		}
	}
	kept := files[:0:0]
	for _, f := range files {
		if !isExcluded(f, abs) {
			kept = append(kept, f)
		}
	}
	return kept
}

func isExcluded(file string, excluded []string) bool {
	a, err := filepath.Abs(file)
	if err != nil {
		return false
	}
	for _, e := range excluded {
		if a == e || strings.HasPrefix(a, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
