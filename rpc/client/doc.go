// Package client implements the client side of a room: the Facade.
//
// A Facade owns a local replica of the document (crdt.IDocStore) and an
// awareness register and keeps both in sync with the server over a
// WebSocket connection. Local edits are applied immediately and streamed to
// the server, remote updates are merged and reported to the editor.
//
// Connection lifecycle:
//
//	CONNECTING -> HANDSHAKING -> SYNCED <-> RECONNECTING
//	     any state -> CLOSED (Close, AuthRejected, RoomIdInvalid)
//
// Every connection starts with the two step handshake: the facade sends
// AUTH and its state vector, the server answers with the missing updates and
// its own state vector, and the facade replies with the updates the server
// is missing. Edits made while offline are therefore never lost. A lost
// connection is retried with exponential backoff (cenkalti/backoff) that is
// reset after every successful handshake. A rejected handshake is terminal.
//
// Awareness:
//
//	The local entry is set with SetLocalAwareness. Rapid calls are coalesced
//	to at most one message per AwarenessInterval. The entry is refreshed at
//	half the TTL so that peers do not expire it, remote entries that are not
//	refreshed are expired locally.
//
// Usage:
//
//	f, _ := client.New(common.DefaultClientConfig("ws://localhost:8080/ws"), "notes")
//	f.OnRemoteUpdate(func(crdt.Update) { fmt.Println(f.Content()) })
//	f.Bootstrap("# Notes\n")
//	f.Start()
//	defer f.Close()
//
//	_ = f.WaitSynced(ctx)
//	_, _ = f.MutateLocal(crdt.Insert(0, "hello "))
//	f.SetLocalAwareness(awareness.Fields{"name": "ada", "cursor": 6})
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Handlers are called one after
//	another on a dedicated goroutine and may call back into the facade.
package client
