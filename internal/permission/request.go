// Copyright 2025 James Ross
package permission

// RequestKind enumerates the exhaustive set of CapabilityRequest variants a
// plugin host-call can resolve to. Unlisted combinations of fields on a
// CapabilityRequest have no meaning; Check switches exhaustively on Kind.
type RequestKind int

const (
	FSAccess RequestKind = iota
	NetOut
	NetIn
	USBOpen
	QueuePublish
	QueueConsume
	MemoryAlloc
	WorkerSpawn
)

func (k RequestKind) String() string {
	switch k {
	case FSAccess:
		return "fs"
	case NetOut:
		return "net.out"
	case NetIn:
		return "net.in"
	case USBOpen:
		return "usb.open"
	case QueuePublish:
		return "queue.publish"
	case QueueConsume:
		return "queue.consume"
	case MemoryAlloc:
		return "memory.alloc"
	case WorkerSpawn:
		return "worker.spawn"
	default:
		return "unknown"
	}
}

// CapabilityRequest is a plugin's resolved host-call intent. Only the fields
// relevant to Kind are populated by the constructors below; callers should
// always build one through a constructor rather than a bare literal.
type CapabilityRequest struct {
	Kind RequestKind

	// fs
	Path string
	Mode FSMode

	// net.out / net.in
	Origin string
	Port   int
	Iface  string

	// usb.open
	VendorID  string
	ProductID string

	// queue.publish / queue.consume
	Queue string

	// memory.alloc
	Bytes int64
}

func FSRequest(path string, mode FSMode) CapabilityRequest {
	return CapabilityRequest{Kind: FSAccess, Path: path, Mode: mode}
}

func NetOutRequest(origin string) CapabilityRequest {
	return CapabilityRequest{Kind: NetOut, Origin: origin}
}

func NetInRequest(port int, iface string) CapabilityRequest {
	return CapabilityRequest{Kind: NetIn, Port: port, Iface: iface}
}

func USBOpenRequest(vendorID, productID string) CapabilityRequest {
	return CapabilityRequest{Kind: USBOpen, VendorID: vendorID, ProductID: productID}
}

func QueuePublishRequest(name string) CapabilityRequest {
	return CapabilityRequest{Kind: QueuePublish, Queue: name}
}

func QueueConsumeRequest(name string) CapabilityRequest {
	return CapabilityRequest{Kind: QueueConsume, Queue: name}
}

func MemoryAllocRequest(bytes int64) CapabilityRequest {
	return CapabilityRequest{Kind: MemoryAlloc, Bytes: bytes}
}

func WorkerSpawnRequest() CapabilityRequest {
	return CapabilityRequest{Kind: WorkerSpawn}
}
