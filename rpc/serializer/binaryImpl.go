package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasDocID     byte = 1 << 0
	hasClientID  byte = 1 << 1
	hasTimestamp byte = 1 << 2
	hasToken     byte = 1 << 3
	hasPayload   byte = 1 << 4
	hasOk        byte = 1 << 5
	hasErrKind   byte = 1 << 6
	hasErr       byte = 1 << 7
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing
	pos := 2 // Start after MsgType and flags

	if msg.DocID != "" {
		flags |= hasDocID
		pos = putBytes(result, pos, []byte(msg.DocID))
	}

	if msg.ClientID != 0 {
		flags |= hasClientID
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.ClientID)
		pos += 8
	}

	if msg.Timestamp != 0 {
		flags |= hasTimestamp
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Timestamp))
		pos += 8
	}

	if msg.Token != "" {
		flags |= hasToken
		pos = putBytes(result, pos, []byte(msg.Token))
	}

	// nil and empty payloads are distinguished
	if msg.Payload != nil {
		flags |= hasPayload
		pos = putBytes(result, pos, msg.Payload)
	}

	// Ok is encoded in the flags only
	if msg.Ok {
		flags |= hasOk
	}

	if msg.ErrKind != syncerr.KindUnknown {
		flags |= hasErrKind
		result[pos] = byte(msg.ErrKind)
		pos += 1
	}

	if msg.Err != "" {
		flags |= hasErr
		pos = putBytes(result, pos, []byte(msg.Err))
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type
	msg.MsgType = common.MessageType(data[0])

	// Read flags
	flags := data[1]

	// Initialize read position
	pos := 2
	var err error

	msg.DocID = ""
	if flags&hasDocID != 0 {
		var raw []byte
		if raw, pos, err = readBytes(data, pos, "docId"); err != nil {
			return err
		}
		msg.DocID = string(raw)
	}

	msg.ClientID = 0
	if flags&hasClientID != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for clientId")
		}
		msg.ClientID = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
	}

	msg.Timestamp = 0
	if flags&hasTimestamp != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for timestamp")
		}
		msg.Timestamp = int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
	}

	msg.Token = ""
	if flags&hasToken != 0 {
		var raw []byte
		if raw, pos, err = readBytes(data, pos, "token"); err != nil {
			return err
		}
		msg.Token = string(raw)
	}

	if flags&hasPayload != 0 {
		var raw []byte
		if raw, pos, err = readBytes(data, pos, "payload"); err != nil {
			return err
		}
		// Reuse the buffer of msg if possible, create an empty slice (not nil) if length is 0
		if msg.Payload == nil || cap(msg.Payload) < len(raw) {
			msg.Payload = make([]byte, len(raw))
		} else {
			msg.Payload = msg.Payload[:len(raw)]
		}
		copy(msg.Payload, raw)
	} else {
		msg.Payload = nil
	}

	msg.Ok = flags&hasOk != 0

	msg.ErrKind = syncerr.KindUnknown
	if flags&hasErrKind != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for error kind")
		}
		msg.ErrKind = syncerr.Kind(data[pos])
		pos += 1
	}

	msg.Err = ""
	if flags&hasErr != 0 {
		var raw []byte
		if raw, pos, err = readBytes(data, pos, "error"); err != nil {
			return err
		}
		msg.Err = string(raw)
	}

	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 1 byte for flags
	size := 2

	if msg.DocID != "" {
		size += 4 + len(msg.DocID) // 4 bytes for length + string
	}
	if msg.ClientID != 0 {
		size += 8
	}
	if msg.Timestamp != 0 {
		size += 8
	}
	if msg.Token != "" {
		size += 4 + len(msg.Token)
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload)
	}
	if msg.ErrKind != syncerr.KindUnknown {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}

	return size
}

// putBytes writes a length prefixed byte slice at pos and returns the new position.
func putBytes(dst []byte, pos int, src []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(src)))
	pos += 4
	copy(dst[pos:pos+len(src)], src)
	return pos + len(src)
}

// readBytes reads a length prefixed byte slice at pos. The result aliases data.
func readBytes(data []byte, pos int, field string) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || n > len(data)-pos {
		return nil, pos, fmt.Errorf("data too short for %s data", field)
	}
	return data[pos : pos+n], pos + n, nil
}
