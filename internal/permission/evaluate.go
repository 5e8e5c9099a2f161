// Copyright 2025 James Ross
package permission

import (
	"path/filepath"
	"strings"

	"github.com/autoweave/autoweaved/internal/manifest"
)

// Evaluate converts a manifest's declared permissions into a PermissionSet.
// Filesystem prefixes are normalized to cleaned absolute paths so Check can
// compare requests without re-normalizing on every call.
func Evaluate(p manifest.Permissions) PermissionSet {
	ps := PermissionSet{
		Queues:     make(map[string]struct{}, len(p.Queues)),
		MaxHeapMB:  p.Memory.MaxHeapMB,
		MaxWorkers: p.Memory.MaxWorkers,
	}

	for _, g := range p.Filesystem {
		ps.Filesystem = append(ps.Filesystem, FilesystemPrefix{
			Prefix: filepath.Clean(g.PathPrefix),
			Mode:   parseFSMode(g.Mode),
		})
	}

	ps.Network = NetworkPolicy{
		OutboundAllowlist: toSet(p.Network.OutboundAllowlist),
		InboundPort:       p.Network.InboundPort,
		InboundInterface:  p.Network.InboundInterface,
	}

	ps.USB = USBPolicy{
		VendorIDs:  toSet(normalizeHex(p.USB.VendorIDs)),
		ProductIDs: toSet(normalizeHex(p.USB.ProductIDs)),
	}

	for _, q := range p.Queues {
		ps.Queues[q] = struct{}{}
	}

	return ps
}

func parseFSMode(mode string) FSMode {
	switch mode {
	case "write":
		return FSModeWrite
	case "readwrite":
		return FSModeReadWrite
	default:
		return FSModeRead
	}
}

func normalizeHex(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strings.ToLower(id)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
