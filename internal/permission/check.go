// Copyright 2025 James Ross
package permission

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Tracker holds the mutable counters a running plugin accumulates against
// its PermissionSet: cumulative allocated bytes and live worker count. It is
// created once alongside the PermissionSet at load time and updated on every
// memory.alloc / worker.spawn decision; the PermissionSet itself never
// changes.
type Tracker struct {
	mu             sync.Mutex
	allocatedBytes int64
	workers        int
}

func NewTracker() *Tracker { return &Tracker{} }

// Check resolves a CapabilityRequest against a PermissionSet, consulting and
// updating tracker for the stateful variants (memory.alloc, worker.spawn).
// Every branch is an O(1) map lookup or a single pass over the (typically
// small) filesystem prefix list.
func Check(ps PermissionSet, tracker *Tracker, req CapabilityRequest) Decision {
	switch req.Kind {
	case FSAccess:
		return checkFS(ps, req)
	case NetOut:
		return checkNetOut(ps, req)
	case NetIn:
		return checkNetIn(ps, req)
	case USBOpen:
		return checkUSBOpen(ps, req)
	case QueuePublish, QueueConsume:
		return checkQueue(ps, req)
	case MemoryAlloc:
		return checkMemoryAlloc(ps, tracker, req)
	case WorkerSpawn:
		return checkWorkerSpawn(ps, tracker)
	default:
		return Deny("unknown capability request kind")
	}
}

func checkFS(ps PermissionSet, req CapabilityRequest) Decision {
	target := filepath.Clean(req.Path)
	var best FilesystemPrefix
	matched := false
	for _, g := range ps.Filesystem {
		if !withinPrefix(target, g.Prefix) {
			continue
		}
		if !matched || len(g.Prefix) > len(best.Prefix) {
			best = g
			matched = true
		}
	}
	if !matched {
		return Deny("no declared filesystem prefix covers " + target)
	}
	if !best.Mode.allows(req.Mode) {
		return Deny("prefix " + best.Prefix + " does not grant the requested mode")
	}
	return Allow()
}

func withinPrefix(target, prefix string) bool {
	if target == prefix {
		return true
	}
	return strings.HasPrefix(target, prefix+string(filepath.Separator))
}

func checkNetOut(ps PermissionSet, req CapabilityRequest) Decision {
	if _, ok := ps.Network.OutboundAllowlist[req.Origin]; !ok {
		return Deny("origin " + req.Origin + " is not in the outbound allowlist")
	}
	return Allow()
}

func checkNetIn(ps PermissionSet, req CapabilityRequest) Decision {
	if ps.Network.InboundPort == 0 || req.Port != ps.Network.InboundPort {
		return Deny("inbound port not granted")
	}
	if ps.Network.InboundInterface != "" && req.Iface != ps.Network.InboundInterface {
		return Deny("inbound interface not granted")
	}
	return Allow()
}

func checkUSBOpen(ps PermissionSet, req CapabilityRequest) Decision {
	if len(ps.USB.VendorIDs) == 0 && len(ps.USB.ProductIDs) == 0 {
		return Deny("no USB vendor/product IDs declared")
	}
	vendor := strings.ToLower(req.VendorID)
	product := strings.ToLower(req.ProductID)
	if _, ok := ps.USB.VendorIDs[vendor]; !ok {
		return Deny("vendor ID " + req.VendorID + " not granted")
	}
	if _, ok := ps.USB.ProductIDs[product]; !ok {
		return Deny("product ID " + req.ProductID + " not granted")
	}
	return Allow()
}

func checkQueue(ps PermissionSet, req CapabilityRequest) Decision {
	if _, ok := ps.Queues[req.Queue]; !ok {
		return Deny("queue " + req.Queue + " not granted")
	}
	return Allow()
}

func checkMemoryAlloc(ps PermissionSet, tracker *Tracker, req CapabilityRequest) Decision {
	ceiling := int64(ps.MaxHeapMB) * 1_000_000
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.allocatedBytes+req.Bytes > ceiling {
		return Deny("allocation would exceed maxHeapMB ceiling of " + strconv.Itoa(ps.MaxHeapMB) + "MB")
	}
	tracker.allocatedBytes += req.Bytes
	return Allow()
}

func checkWorkerSpawn(ps PermissionSet, tracker *Tracker) Decision {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.workers >= ps.MaxWorkers {
		return Deny("worker count already at maxWorkers ceiling of " + strconv.Itoa(ps.MaxWorkers))
	}
	tracker.workers++
	return Allow()
}

// ReleaseWorker decrements the live worker count, e.g. when a worker exits.
func (t *Tracker) ReleaseWorker() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.workers > 0 {
		t.workers--
	}
}

// ReleaseMemory gives back previously allocated bytes, e.g. on GC pressure
// relief reported by the worker host.
func (t *Tracker) ReleaseMemory(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocatedBytes -= bytes
	if t.allocatedBytes < 0 {
		t.allocatedBytes = 0
	}
}
