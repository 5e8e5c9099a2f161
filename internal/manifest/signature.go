// Copyright 2025 James Ross
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/bmatcuk/doublestar/v4"
)

// ManifestFilename is the well-known manifest filename every plugin
// directory must contain, shared with internal/loader's discovery walk.
const ManifestFilename = "autoweave.plugin.json"

// CanonicalHash computes the first half of the signature algorithm: the
// manifest with its `signature` field removed, serialized as JSON with
// sorted keys and no insignificant whitespace, hashed with SHA-256.
// encoding/json already sorts map[string]interface{} keys alphabetically
// on Marshal, which is what gives this its determinism.
func CanonicalHash(raw []byte) ([]byte, error) {
	h, err := canonicalHashState(raw)
	if err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// VerifySignature recomputes the full content digest — canonical manifest
// hash continued with every covered plugin file in lexicographic order —
// and compares it against manifest.Signature.Value.
func VerifySignature(m *Manifest, manifestRaw []byte, pluginRoot string, denylist []string) error {
	sum, err := canonicalHashState(manifestRaw)
	if err != nil {
		return err
	}

	files, err := coveredFiles(pluginRoot, denylist)
	if err != nil {
		return autoweaveerr.Wrap(autoweaveerr.BadSignature, "cannot enumerate plugin files", err)
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return autoweaveerr.Wrap(autoweaveerr.BadSignature, "cannot read covered file "+f, err)
		}
		sum.Write(b)
	}

	digest := hex.EncodeToString(sum.Sum(nil))
	if digest != strings.ToLower(m.Signature.Value) {
		return autoweaveerr.New(autoweaveerr.BadSignature, "content digest mismatch")
	}
	return nil
}

func canonicalHashState(manifestRaw []byte) (hash.Hash, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(manifestRaw, &doc); err != nil {
		return nil, autoweaveerr.Wrap(autoweaveerr.MalformedManifest, "invalid JSON", err)
	}
	delete(doc, "signature")
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, autoweaveerr.Wrap(autoweaveerr.MalformedManifest, "cannot canonicalize manifest", err)
	}
	h := sha256.New()
	h.Write(canonical)
	return h, nil
}

// coveredFiles walks pluginRoot recursively and returns every regular file
// path, sorted lexicographically, excluding anything matched by a denylist
// glob (e.g. "**/.git/**", "**/*.tmp"). The manifest file itself is always
// excluded regardless of denylist contents: its signature.value field is
// computed from this digest, so including it would make the digest
// self-referential and unsatisfiable.
func coveredFiles(pluginRoot string, denylist []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(pluginRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(pluginRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFilename {
			return nil
		}
		for _, pattern := range denylist {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
