package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/syncerr"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is a single frame of the sync protocol, sent in both directions.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	DocID     string `json:"docId,omitempty"`     // Room the message belongs to, set on every message
	ClientID  uint64 `json:"clientId,omitempty"`  // Used for: Auth (awareness client id of the sender)
	Timestamp int64  `json:"timestamp,omitempty"` // Used for: Awareness (unix millis at the sender)
	Token     string `json:"token,omitempty"`     // Used for: Auth
	Payload   []byte `json:"payload,omitempty"`   // Used for: SyncStep1 (state vector), SyncStep2 and Update (update), Awareness (entries)

	// Response only fields
	Ok      bool         `json:"ok,omitempty"`      // Used for: AuthOk (bootstrap role granted)
	ErrKind syncerr.Kind `json:"errKind,omitempty"` // Used for: AuthRejected, Error
	Err     string       `json:"err,omitempty"`     // Empty if no error, otherwise contains the error message
}

// AsError returns the error carried by an AuthRejected or Error message, or nil.
func (m *Message) AsError() error {
	if m.Err == "" && m.ErrKind == syncerr.KindUnknown {
		return nil
	}
	return syncerr.New(m.ErrKind, m.Err)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewAuthRequest creates the first message of a handshake
func NewAuthRequest(docID, token string, clientID uint64) *Message {
	return &Message{
		MsgType:  MsgTAuth,
		DocID:    docID,
		Token:    token,
		ClientID: clientID,
	}
}

// NewAuthOkResponse accepts a handshake. bootstrap reports whether the
// client may seed the empty document.
func NewAuthOkResponse(docID string, bootstrap bool) *Message {
	return &Message{
		MsgType: MsgTAuthOk,
		DocID:   docID,
		Ok:      bootstrap,
	}
}

// NewAuthRejectedResponse refuses a handshake
func NewAuthRejectedResponse(docID string, err error) *Message {
	msg := &Message{
		MsgType: MsgTAuthRejected,
		DocID:   docID,
	}
	setErr(msg, err, syncerr.KindAuthRejected)
	return msg
}

// NewSyncStep1 creates a message carrying an encoded state vector
func NewSyncStep1(docID string, sv []byte) *Message {
	return &Message{
		MsgType: MsgTSyncStep1,
		DocID:   docID,
		Payload: sv,
	}
}

// NewSyncStep2 creates the answer to a SyncStep1
func NewSyncStep2(docID string, update []byte) *Message {
	return &Message{
		MsgType: MsgTSyncStep2,
		DocID:   docID,
		Payload: update,
	}
}

// NewUpdate creates an incremental update message
func NewUpdate(docID string, update []byte) *Message {
	return &Message{
		MsgType: MsgTUpdate,
		DocID:   docID,
		Payload: update,
	}
}

// NewAwareness creates an awareness message with encoded entries
func NewAwareness(docID string, entries []byte, timestamp int64) *Message {
	return &Message{
		MsgType:   MsgTAwareness,
		DocID:     docID,
		Payload:   entries,
		Timestamp: timestamp,
	}
}

// NewQueryAwareness asks the server for all awareness entries of a room
func NewQueryAwareness(docID string) *Message {
	return &Message{
		MsgType: MsgTQueryAwareness,
		DocID:   docID,
	}
}

// NewErrorResponse reports a failed request. The kind of err is kept.
func NewErrorResponse(docID string, err error) *Message {
	msg := &Message{
		MsgType: MsgTError,
		DocID:   docID,
	}
	setErr(msg, err, syncerr.KindUnknown)
	return msg
}

func setErr(msg *Message, err error, fallback syncerr.Kind) {
	msg.ErrKind = fallback
	if err == nil {
		return
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		msg.ErrKind = se.Kind
		msg.Err = se.Msg
		return
	}
	msg.Err = err.Error()
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used by the sync protocol.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTAuth:
		return "auth"
	case MsgTAuthOk:
		return "auth_ok"
	case MsgTAuthRejected:
		return "auth_rejected"
	case MsgTSyncStep1:
		return "sync_step_1"
	case MsgTSyncStep2:
		return "sync_step_2"
	case MsgTUpdate:
		return "update"
	case MsgTAwareness:
		return "awareness"
	case MsgTQueryAwareness:
		return "query_awareness"
	case MsgTError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for c := MsgTAuth; c <= MsgTError; c++ {
		if c.String() == s {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	MsgTUnknown MessageType = iota

	// Handshake

	MsgTAuth         // Client credentials for a room
	MsgTAuthOk       // Handshake accepted
	MsgTAuthRejected // Handshake refused, the connection is closed afterwards

	// Document sync

	MsgTSyncStep1 // State vector of the sender
	MsgTSyncStep2 // Operations the receiver of a SyncStep1 lacks
	MsgTUpdate    // Incremental operations

	// Awareness

	MsgTAwareness      // Awareness entries
	MsgTQueryAwareness // Request for all awareness entries

	// Errors

	MsgTError // A request failed, the connection stays open
)
