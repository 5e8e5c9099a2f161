// Copyright 2025 James Ross
package loader

import (
	"os"
	"path/filepath"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/autoweave/autoweaved/internal/manifest"
)

const manifestFilename = manifest.ManifestFilename

// discoverPluginDirs walks root recursively and returns every directory
// directly containing autoweave.plugin.json.
func discoverPluginDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == manifestFilename {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

func readManifestFile(dir string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, autoweaveerr.Wrap(autoweaveerr.MalformedManifest, "cannot read "+manifestFilename, err)
	}
	return raw, nil
}

// pluginDirFor walks up from changedPath to find the nearest ancestor
// (including changedPath itself) that is a watched plugin directory, i.e.
// contains autoweave.plugin.json. Returns "" if none is found under root.
func pluginDirFor(root, changedPath string) string {
	dir := changedPath
	if fi, err := os.Stat(changedPath); err == nil && !fi.IsDir() {
		dir = filepath.Dir(changedPath)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, manifestFilename)); err == nil {
			return dir
		}
		if dir == root || dir == filepath.Dir(dir) {
			return ""
		}
		dir = filepath.Dir(dir)
	}
}
