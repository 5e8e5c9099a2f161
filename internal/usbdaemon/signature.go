// Copyright 2025 James Ross
package usbdaemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signature computes the device signature from vendorId, productId, bus,
// and address: a 16-hex-character prefix of the SHA-256 digest of the
// tuple, per spec.md §4.4 step 1. Address participates so two devices of
// the same make on the same bus at different addresses are distinguished;
// bus+address alone would not survive a device being unplugged and a
// different one plugged into the same port, which is why vendor/product
// IDs are part of the tuple too.
func Signature(vendorID, productID string, bus, address int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d", vendorID, productID, bus, address)))
	return hex.EncodeToString(sum[:])[:16]
}
