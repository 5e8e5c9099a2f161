// Copyright 2025 James Ross
package usbdaemon

import (
	"encoding/base64"
	"encoding/json"

	"github.com/klauspost/compress/zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

// EncodeDescriptor compresses a device's string descriptors into the
// opaque, base64-safe blob the bus carries as the "device_descriptor"
// field: the three descriptor strings are short but repetitive across a
// fleet of identical devices, and zstd collapses that redundancy before
// the bytes ever hit the wire.
func EncodeDescriptor(d Descriptor) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	compressed := encoder.EncodeAll(raw, nil)
	return base64.StdEncoding.EncodeToString(compressed), nil
}

// DecodeDescriptor reverses EncodeDescriptor. An empty input decodes to a
// zero Descriptor rather than an error, matching the "proceed with empty
// values" behavior used when descriptor extraction itself timed out.
func DecodeDescriptor(blob string) (Descriptor, error) {
	if blob == "" {
		return Descriptor{}, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Descriptor{}, err
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
