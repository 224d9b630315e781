/*
Package session hosts the in-memory rooms of the sync server.

A Session holds the replicated document and the awareness register of one
room id and fans messages out to the connections (peers) attached to it. The
Registry guarantees at most one session per room id in the process, loads
documents from storage on creation and flushes them on eviction.

# Execution Model

Each session runs exactly one goroutine. Connections enqueue their messages
into the session's lock-free inbox (HandleSyncStep1, HandleUpdate, ...) and
never touch the document directly, so all mutations of a room are
serialized without locks while different rooms proceed in parallel. Frames
for peers are handed to IPeer.Deliver, which must not block; a peer that
cannot keep up is dropped by its connection.

# Lifecycle

	s, bootstrap, err := registry.Acquire(ctx, "room-1", peer)  // GetOrCreate + attach
	s.HandleSyncStep1(peer, clientStateVector)                  // answered with step 2 and step 1
	s.HandleUpdate(peer, update)                                // merged and forwarded
	s.Detach(peer)                                              // last detach arms the grace timer

When the last peer detaches the session stays alive for the grace period.
Attaching during that window cancels the eviction. Otherwise the session is
flushed to storage, unsubscribed from the relay and removed; callers of
GetOrCreate that arrive during eviction wait for it and then create a fresh
session from the flushed state.

# Relay

With a relay configured, sessions of the same room on different server
instances exchange updates and awareness entries. A new session publishes
its state vector so that the other instances answer with what it lacks.
*/
package session
