// Package common provides the data structures shared by the sync server, the
// client provider and the transports.
//
// Key Components:
//
//   - Message: The single frame type of the sync protocol. The same struct is
//     used for both directions; which fields are set depends on MsgType.
//     Factory functions create every message of the handshake, the document
//     sync, awareness and error reporting.
//
//   - MessageType: Enumeration of the protocol messages (AUTH, AUTH_OK,
//     AUTH_REJECTED, SYNC_STEP_1, SYNC_STEP_2, UPDATE, AWARENESS,
//     QUERY_AWARENESS, ERROR).
//
//   - ServerConfig / ClientConfig: Configuration of the server and the
//     client provider, validated with struct tags and printable for startup logs.
//
//   - Logger: Custom logger factory for dragonboat's logger facade, giving all
//     packages a consistent "LEVEL | name | message" format.
//
// Handshake:
//
//	client                                  server
//	  AUTH{docId, token, clientId}     ->
//	  SYNC_STEP_1{docId, sv}           ->
//	                                   <-   AUTH_OK{bootstrap} | AUTH_REJECTED
//	                                   <-   SYNC_STEP_2{delta since sv}
//	                                   <-   SYNC_STEP_1{server sv}
//	  SYNC_STEP_2{delta since server}  ->
package common
