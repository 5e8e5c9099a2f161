// Copyright 2025 James Ross
package permission

import (
	"testing"

	"github.com/autoweave/autoweaved/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPermissions() manifest.Permissions {
	return manifest.Permissions{
		Filesystem: []manifest.FilesystemGrant{
			{PathPrefix: "/data/scans", Mode: "read"},
			{PathPrefix: "/data/scans/incoming", Mode: "readwrite"},
		},
		Network: manifest.NetworkGrant{
			OutboundAllowlist: []string{"https://api.example.com:443"},
			InboundPort:       8080,
			InboundInterface:  "localhost",
		},
		USB: manifest.USBGrant{
			VendorIDs:  []string{"0x04A9"},
			ProductIDs: []string{"0x220E"},
		},
		Memory: manifest.MemoryGrant{MaxHeapMB: 64, MaxWorkers: 2},
		Queues: []string{"scan-results"},
	}
}

func TestEvaluateNormalizesFilesystemPrefixes(t *testing.T) {
	ps := Evaluate(testPermissions())
	require.Len(t, ps.Filesystem, 2)
	assert.Equal(t, "/data/scans", ps.Filesystem[0].Prefix)
}

func TestCheckFSLongestPrefixWins(t *testing.T) {
	ps := Evaluate(testPermissions())

	d := Check(ps, NewTracker(), FSRequest("/data/scans/report.txt", FSModeRead))
	assert.True(t, d.Allowed)

	d = Check(ps, NewTracker(), FSRequest("/data/scans/incoming/a.txt", FSModeWrite))
	assert.True(t, d.Allowed, "longest matching prefix grants readwrite")

	d = Check(ps, NewTracker(), FSRequest("/data/scans/report.txt", FSModeWrite))
	assert.False(t, d.Allowed, "outer prefix only grants read")
}

func TestCheckFSOutsideAnyPrefixDenied(t *testing.T) {
	ps := Evaluate(testPermissions())
	d := Check(ps, NewTracker(), FSRequest("/etc/passwd", FSModeRead))
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestCheckNetOutExactMatch(t *testing.T) {
	ps := Evaluate(testPermissions())

	assert.True(t, Check(ps, NewTracker(), NetOutRequest("https://api.example.com:443")).Allowed)
	assert.False(t, Check(ps, NewTracker(), NetOutRequest("https://api.example.com")).Allowed,
		"no wildcard or partial match")
	assert.False(t, Check(ps, NewTracker(), NetOutRequest("http://evil.example.com")).Allowed)
}

func TestCheckUSBOpenRequiresBothSets(t *testing.T) {
	ps := Evaluate(testPermissions())

	assert.True(t, Check(ps, NewTracker(), USBOpenRequest("0x04A9", "0x220E")).Allowed)
	assert.False(t, Check(ps, NewTracker(), USBOpenRequest("0x04A9", "0xFFFF")).Allowed)
	assert.False(t, Check(ps, NewTracker(), USBOpenRequest("0xDEAD", "0x220E")).Allowed)
}

func TestCheckUSBOpenEmptySetsDenyAll(t *testing.T) {
	ps := Evaluate(manifest.Permissions{Memory: manifest.MemoryGrant{MaxHeapMB: 10, MaxWorkers: 1}})
	d := Check(ps, NewTracker(), USBOpenRequest("0x04A9", "0x220E"))
	assert.False(t, d.Allowed)
}

func TestCheckQueueExactMembership(t *testing.T) {
	ps := Evaluate(testPermissions())
	assert.True(t, Check(ps, NewTracker(), QueuePublishRequest("scan-results")).Allowed)
	assert.False(t, Check(ps, NewTracker(), QueueConsumeRequest("other-queue")).Allowed)
}

func TestCheckMemoryAllocCumulative(t *testing.T) {
	ps := Evaluate(testPermissions())
	tracker := NewTracker()
	ceiling := int64(64_000_000)

	assert.True(t, Check(ps, tracker, MemoryAllocRequest(ceiling-1)).Allowed)
	assert.False(t, Check(ps, tracker, MemoryAllocRequest(2)).Allowed, "cumulative allocation exceeds ceiling")
}

func TestCheckWorkerSpawnEnforcesMaxWorkers(t *testing.T) {
	ps := Evaluate(testPermissions())
	tracker := NewTracker()

	assert.True(t, Check(ps, tracker, WorkerSpawnRequest()).Allowed)
	assert.True(t, Check(ps, tracker, WorkerSpawnRequest()).Allowed)
	assert.False(t, Check(ps, tracker, WorkerSpawnRequest()).Allowed, "maxWorkers is 2")

	tracker.ReleaseWorker()
	assert.True(t, Check(ps, tracker, WorkerSpawnRequest()).Allowed, "releasing a worker frees a slot")
}

func TestTrackerReleaseMemoryNeverGoesNegative(t *testing.T) {
	tracker := NewTracker()
	tracker.ReleaseMemory(1000)
	ps := Evaluate(testPermissions())
	assert.True(t, Check(ps, tracker, MemoryAllocRequest(64_000_000)).Allowed)
}
