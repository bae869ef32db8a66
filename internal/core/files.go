package core

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// CollectFiles expands parsed paths into the flat list of files to
// upload. Directories are walked recursively and contribute their
// regular files; the server archives entries by base name only, so
// directory structure is intentionally not preserved.
func CollectFiles(paths []ParsedPath) ([]string, error) {
	var files []string

	for _, p := range paths {
		switch p.Kind {
		case PathFile:
			files = append(files, p.FullPath)
		case PathDir:
			err := filepath.WalkDir(p.FullPath, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to walk %s: %w", p.FullPath, err)
			}
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}
	return files, nil
}
