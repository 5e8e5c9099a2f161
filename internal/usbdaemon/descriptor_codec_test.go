// Copyright 2025 James Ross
package usbdaemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{Manufacturer: "Acme Co", Product: "Widget", Serial: "SN-1"}

	blob, err := EncodeDescriptor(d)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	got, err := DecodeDescriptor(blob)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDecodeDescriptorEmptyBlobIsZeroValue(t *testing.T) {
	got, err := DecodeDescriptor("")
	require.NoError(t, err)
	assert.Equal(t, Descriptor{}, got)
}
