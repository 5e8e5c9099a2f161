// Copyright 2025 James Ross
package manifest

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
)

// Validate enforces the rules in §4.1 beyond what the JSON Schema already
// checked in Parse: entry-path containment, filesystem prefix shape,
// network URL shape, and USB vendor/product ID shape (schema already
// covers ID hex-pattern; this layer also re-validates shape for callers
// that construct a Manifest without going through Parse).
func Validate(m *Manifest, pluginRoot string) error {
	if err := validateEntry(m, pluginRoot); err != nil {
		return err
	}
	if err := validateFilesystemGrants(m); err != nil {
		return err
	}
	if err := validateNetworkGrants(m); err != nil {
		return err
	}
	if err := validateUSBGrants(m); err != nil {
		return err
	}
	if m.Permissions.Memory.MaxHeapMB < 10 || m.Permissions.Memory.MaxHeapMB > 1024 {
		return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, "permissions.memory.maxHeapMB", "must be 10..1024")
	}
	if m.Permissions.Memory.MaxWorkers < 1 || m.Permissions.Memory.MaxWorkers > 8 {
		return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, "permissions.memory.maxWorkers", "must be 1..8")
	}
	return nil
}

func validateEntry(m *Manifest, pluginRoot string) error {
	absRoot, err := filepath.Abs(pluginRoot)
	if err != nil {
		return autoweaveerr.Wrap(autoweaveerr.InvalidManifest, "cannot resolve plugin root", err)
	}
	joined := filepath.Join(absRoot, m.Entry)
	cleaned := filepath.Clean(joined)
	if cleaned != absRoot && !strings.HasPrefix(cleaned, absRoot+string(filepath.Separator)) {
		return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, m.Entry, "entry path resolves outside the plugin root")
	}
	return nil
}

func validateFilesystemGrants(m *Manifest) error {
	for _, g := range m.Permissions.Filesystem {
		if !filepath.IsAbs(g.PathPrefix) {
			return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, g.PathPrefix, "permissions.filesystem pathPrefix must be absolute")
		}
		if filepath.Clean(g.PathPrefix) != g.PathPrefix {
			return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, g.PathPrefix, "permissions.filesystem pathPrefix must be normalized")
		}
		switch g.Mode {
		case "read", "write", "readwrite":
		default:
			return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, g.PathPrefix, "mode must be read|write|readwrite")
		}
		if fi, err := os.Lstat(g.PathPrefix); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, g.PathPrefix, "pathPrefix must not be a symlink")
		}
	}
	return nil
}

func validateNetworkGrants(m *Manifest) error {
	for _, origin := range m.Permissions.Network.OutboundAllowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, origin, "outboundAllowlist entry must be a URL with scheme and host")
		}
	}
	if p := m.Permissions.Network.InboundPort; p != 0 && (p < 1024 || p > 65535) {
		return autoweaveerr.New(autoweaveerr.InvalidManifest, "permissions.network.inboundPort must be 1024..65535")
	}
	switch m.Permissions.Network.InboundInterface {
	case "", "localhost", "all":
	default:
		return autoweaveerr.New(autoweaveerr.InvalidManifest, "permissions.network.inboundInterface must be localhost|all")
	}
	return nil
}

func validateUSBGrants(m *Manifest) error {
	check := func(field string, ids []string) error {
		for _, id := range ids {
			if len(id) != 6 || !strings.HasPrefix(id, "0x") {
				return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, id, fmt.Sprintf("%s must be 0x-prefixed 4-hex", field))
			}
			if _, err := parseHex16(id[2:]); err != nil {
				return autoweaveerr.WithPath(autoweaveerr.InvalidManifest, id, fmt.Sprintf("%s must be 0x-prefixed 4-hex", field))
			}
		}
		return nil
	}
	if err := check("permissions.usb.vendorIds", m.Permissions.USB.VendorIDs); err != nil {
		return err
	}
	return check("permissions.usb.productIds", m.Permissions.USB.ProductIDs)
}

func parseHex16(s string) (uint16, error) {
	var v uint16
	_, err := fmt.Sscanf(s, "%04x", &v)
	return v, err
}
