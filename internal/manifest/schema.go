// Copyright 2025 James Ross
package manifest

// schemaJSON enforces the manifest shape bit-for-bit per §6: unknown
// top-level fields are rejected and the required fields/patterns this
// document states are mandatory. Range and cross-field checks the JSON
// Schema vocabulary can't express (path traversal, longest-prefix
// permission shape) are layered on top in validate.go; signature content is
// checked in signature.go.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "version", "entry", "permissions", "hooks", "signature"],
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z0-9-]{3,50}$"},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+(-[0-9A-Za-z.-]+)?$"},
    "description": {"type": "string"},
    "author": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "email": {"type": "string"}
      }
    },
    "entry": {"type": "string", "minLength": 1},
    "permissions": {
      "type": "object",
      "additionalProperties": false,
      "required": ["filesystem", "network", "usb", "memory", "queues"],
      "properties": {
        "filesystem": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["pathPrefix", "mode"],
            "properties": {
              "pathPrefix": {"type": "string"},
              "mode": {"type": "string", "enum": ["read", "write", "readwrite"]}
            }
          }
        },
        "network": {
          "type": "object",
          "additionalProperties": false,
          "required": ["outboundAllowlist"],
          "properties": {
            "outboundAllowlist": {"type": "array", "items": {"type": "string"}},
            "inboundPort": {"type": "integer", "minimum": 1024, "maximum": 65535},
            "inboundInterface": {"type": "string", "enum": ["localhost", "all"]}
          }
        },
        "usb": {
          "type": "object",
          "additionalProperties": false,
          "required": ["vendorIds", "productIds"],
          "properties": {
            "vendorIds": {"type": "array", "items": {"type": "string", "pattern": "^0x[0-9A-Fa-f]{4}$"}},
            "productIds": {"type": "array", "items": {"type": "string", "pattern": "^0x[0-9A-Fa-f]{4}$"}}
          }
        },
        "memory": {
          "type": "object",
          "additionalProperties": false,
          "required": ["maxHeapMB", "maxWorkers"],
          "properties": {
            "maxHeapMB": {"type": "integer", "minimum": 10, "maximum": 1024},
            "maxWorkers": {"type": "integer", "minimum": 1, "maximum": 8}
          }
        },
        "queues": {"type": "array", "items": {"type": "string", "pattern": "^[a-z0-9-]+$"}}
      }
    },
    "hooks": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "onLoad": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
        "onUnload": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
        "onUSBAttach": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
        "onUSBDetach": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
        "onJobReceived": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"}
      }
    },
    "dependencies": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "hostVersion": {"type": "string"},
        "runtimeVersion": {"type": "string"}
      }
    },
    "signature": {
      "type": "object",
      "additionalProperties": false,
      "required": ["algorithm", "value"],
      "properties": {
        "algorithm": {"type": "string", "enum": ["SHA-256"]},
        "value": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "signer": {"type": "string"}
      }
    }
  }
}`
