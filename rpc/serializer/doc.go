// Package serializer encodes the protocol messages of rpc/common for the wire.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format. A type byte and a flags byte
//     are followed by the present fields only; strings and payloads are length
//     prefixed. It is the default and is sent as binary WebSocket frames.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or browser
//     clients. Sent as text WebSocket frames.
//
// Client and server must use the same serializer.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, _ := serializer.New("binary")
//	data, err := s.Serialize(*common.NewUpdate("room-1", update))
//	// ... send data ...
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
