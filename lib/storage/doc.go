/*
Package storage defines the persistence collaborator of the session registry.

Document state is loaded when a session is created and flushed when the
session is evicted, so storage sees one read and a few writes per session
lifetime. Three backends implement IDocStorage:

  - mstore: in memory, for tests and single process demos
  - bstore: an embedded BadgerDB, for single node deployments
  - pstore: PostgreSQL via pgx, for deployments with several server instances

All backends pass the shared suite in storage/testing:

	func TestMemory(t *testing.T) {
	    storagetesting.RunStorageTests(t, "mstore", func() storage.IDocStorage {
	        return mstore.New()
	    })
	}
*/
package storage
