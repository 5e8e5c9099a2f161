// Copyright 2025 James Ross
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autoweave/autoweaved/internal/bus"
	"github.com/autoweave/autoweaved/internal/manifest"
	"github.com/autoweave/autoweaved/internal/permission"
)

type fakeWorker struct {
	instanceID  string
	loadErr     error
	unloadForce bool
}

func (w *fakeWorker) InstanceID() string { return w.instanceID }
func (w *fakeWorker) Load(ctx context.Context) error { return w.loadErr }
func (w *fakeWorker) Unload(ctx context.Context) (bool, error) { return w.unloadForce, nil }
func (w *fakeWorker) Terminate() error { return nil }

type fakeSpawner struct {
	loadErr error
	spawned int
}

func (s *fakeSpawner) Spawn(m *manifest.Manifest, ps permission.PermissionSet, tracker *permission.Tracker, instanceID string) (Worker, error) {
	s.spawned++
	return &fakeWorker{instanceID: instanceID, loadErr: s.loadErr}, nil
}

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return bus.NewRedisStreamsBus(client, 16, zap.NewNop())
}

func writeTestPlugin(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("console.log('hi')"), 0o644))

	doc := map[string]interface{}{
		"name":        name,
		"version":     "1.0.0",
		"entry":       "index.js",
		"permissions": map[string]interface{}{
			"filesystem": []interface{}{},
			"network":    map[string]interface{}{"outboundAllowlist": []interface{}{}},
			"usb":        map[string]interface{}{"vendorIds": []interface{}{}, "productIds": []interface{}{}},
			"memory":     map[string]interface{}{"maxHeapMB": 64, "maxWorkers": 2},
			"queues":     []interface{}{},
		},
		"hooks":     map[string]interface{}{"onLoad": "initialize"},
		"signature": map[string]interface{}{"algorithm": "SHA-256", "value": zeroHash()},
	}

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	delete(decoded, "signature")
	canonical, err := json.Marshal(decoded)
	require.NoError(t, err)
	sum := sha256.New()
	sum.Write(canonical)
	entryBytes, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	sum.Write(entryBytes)
	digest := hex.EncodeToString(sum.Sum(nil))

	doc["signature"].(map[string]interface{})["value"] = digest
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFilename), raw, 0o644))

	return dir
}

func zeroHash() string {
	return strings.Repeat("0", 64)
}

func TestBootstrapLoadsDiscoveredPlugins(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "scanner-plugin")

	spawner := &fakeSpawner{}
	b := newTestBus(t)
	l := New(root, nil, time.Second, time.Second, spawner, b, "aw:plugin", zap.NewNop())

	require.NoError(t, l.Bootstrap(context.Background()))

	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, Running, records[0].State)
	assert.Equal(t, 1, spawner.spawned)
}

func TestBootstrapMarksFailedOnLoadError(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "broken-plugin")

	spawner := &fakeSpawner{loadErr: assertErr{}}
	b := newTestBus(t)
	l := New(root, nil, 50*time.Millisecond, time.Second, spawner, b, "aw:plugin", zap.NewNop())

	require.NoError(t, l.Bootstrap(context.Background()))

	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, Failed, records[0].State)
}

func TestReloadReplacesRecordWithNewInstanceID(t *testing.T) {
	root := t.TempDir()
	dir := writeTestPlugin(t, root, "reload-plugin")

	spawner := &fakeSpawner{}
	b := newTestBus(t)
	l := New(root, nil, time.Second, time.Second, spawner, b, "aw:plugin", zap.NewNop())

	require.NoError(t, l.Bootstrap(context.Background()))
	first, ok := l.getRecord(dir)
	require.True(t, ok)
	firstInstance := first.InstanceID

	l.loadDir(context.Background(), dir)

	second, ok := l.getRecord(dir)
	require.True(t, ok)
	assert.NotEqual(t, firstInstance, second.InstanceID)
	assert.Equal(t, 2, spawner.spawned)
}

type assertErr struct{}

func (assertErr) Error() string { return "onLoad failed" }
