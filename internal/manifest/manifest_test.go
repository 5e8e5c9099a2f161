// Copyright 2025 James Ross
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestMap() map[string]interface{} {
	return map[string]interface{}{
		"name":        "usb-scanner-plugin",
		"version":     "1.0.0",
		"description": "scans attached documents",
		"author":      map[string]interface{}{"name": "acme"},
		"entry":       "index.js",
		"permissions": map[string]interface{}{
			"filesystem": []interface{}{},
			"network": map[string]interface{}{
				"outboundAllowlist": []interface{}{},
			},
			"usb": map[string]interface{}{
				"vendorIds":  []interface{}{"0x04A9"},
				"productIds": []interface{}{"0x220E"},
			},
			"memory": map[string]interface{}{"maxHeapMB": 64, "maxWorkers": 2},
			"queues": []interface{}{},
		},
		"hooks": map[string]interface{}{
			"onLoad":      "initialize",
			"onUSBAttach": "handleScannerAttach",
			"onUSBDetach": "handleScannerDetach",
		},
		"signature": map[string]interface{}{
			"algorithm": "SHA-256",
			"value":     "0000000000000000000000000000000000000000000000000000000000000",
			"signer":    "local",
		},
	}
}

func marshalManifest(t *testing.T, doc map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func TestParseValid(t *testing.T) {
	doc := validManifestMap()
	doc["signature"].(map[string]interface{})["value"] = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	raw := marshalManifest(t, doc)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "usb-scanner-plugin", m.Name)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, []string{"0x04A9"}, m.Permissions.USB.VendorIDs)
}

func TestParseRejectsUnknownField(t *testing.T) {
	doc := validManifestMap()
	doc["signature"].(map[string]interface{})["value"] = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	doc["unknownField"] = "surprise"
	raw := marshalManifest(t, doc)

	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, autoweaveerr.Is(err, autoweaveerr.InvalidManifest))
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	require.Error(t, err)
}

func TestValidateEntryTraversal(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Name: "x", Version: "1.0.0", Entry: "../../etc/passwd"}
	err := Validate(m, dir)
	require.Error(t, err)
	assert.True(t, autoweaveerr.Is(err, autoweaveerr.InvalidManifest))
}

func TestValidateEntryWithinRoot(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Name: "x", Version: "1.0.0", Entry: "index.js",
		Permissions: Permissions{Memory: MemoryGrant{MaxHeapMB: 64, MaxWorkers: 2}},
	}
	require.NoError(t, Validate(m, dir))
}

func TestValidateNetworkGrantRequiresScheme(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Name: "x", Version: "1.0.0", Entry: "index.js",
		Permissions: Permissions{
			Memory:  MemoryGrant{MaxHeapMB: 64, MaxWorkers: 2},
			Network: NetworkGrant{OutboundAllowlist: []string{"not-a-url"}},
		},
	}
	err := Validate(m, dir)
	require.Error(t, err)
	assert.True(t, autoweaveerr.Is(err, autoweaveerr.InvalidManifest))
}

func TestCanonicalHashIsPureFunction(t *testing.T) {
	doc := validManifestMap()
	raw1 := marshalManifest(t, doc)
	doc2 := validManifestMap()
	doc2["signature"].(map[string]interface{})["signer"] = "different-signer-but-hash-excludes-it"
	raw2 := marshalManifest(t, doc2)

	h1, err := CanonicalHash(raw1)
	require.NoError(t, err)
	h2, err := CanonicalHash(raw2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "canonical hash must ignore the signature field entirely")
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("console.log('hi')"), 0o644))

	doc := validManifestMap()
	doc["entry"] = "index.js"
	doc["signature"].(map[string]interface{})["value"] = "0000000000000000000000000000000000000000000000000000000000000"
	manifestPath := filepath.Join(dir, "autoweave.plugin.json")
	raw := marshalManifest(t, doc)
	require.NoError(t, os.WriteFile(manifestPath, raw, 0o644))

	sum, err := canonicalHashState(raw)
	require.NoError(t, err)
	entryBytes, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	sum.Write(entryBytes)

	digest := hex.EncodeToString(sum.Sum(nil))
	doc["signature"].(map[string]interface{})["value"] = digest
	raw = marshalManifest(t, doc)
	require.NoError(t, os.WriteFile(manifestPath, raw, 0o644))

	m, err := Parse(raw)
	require.NoError(t, err)

	err = VerifySignature(m, raw, dir, []string{"**/autoweave.plugin.json"})
	require.NoError(t, err)
}

func TestVerifySignatureTamperedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("console.log('hi')"), 0o644))

	doc := validManifestMap()
	doc["entry"] = "index.js"
	raw := marshalManifest(t, doc)
	sum, err := canonicalHashState(raw)
	require.NoError(t, err)
	entryBytes, _ := os.ReadFile(filepath.Join(dir, "index.js"))
	sum.Write(entryBytes)
	digest := hex.EncodeToString(sum.Sum(nil))
	doc["signature"].(map[string]interface{})["value"] = digest
	raw = marshalManifest(t, doc)

	m, err := Parse(raw)
	require.NoError(t, err)

	// Tamper with the entry file after the signature was computed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("console.log('tampered')"), 0o644))

	err = VerifySignature(m, raw, dir, nil)
	require.Error(t, err)
	assert.True(t, autoweaveerr.Is(err, autoweaveerr.BadSignature))
}
