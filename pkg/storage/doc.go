/*
Package storage persists the engine's records in BoltDB.

# Buckets

	projects               <project id>                  Project
	container_definitions  <project id>/<definition id>  ContainerDefinition
	sessions               <session id>                  Session
	session_containers     <session id>/<container id>   SessionContainer

Values are JSON. Child records use a composite key so that all children of
a parent can be listed with a prefix scan, and deleting a session deletes
its containers in the same transaction.

# Pool Claims

ClaimPooledSession picks the oldest ready pooled session of a project and
flips it to running inside a single bbolt write transaction. bbolt admits
one writer at a time, so two concurrent claims can never return the same
session.

# Invariants

UpdateSessionContainerStatus refuses to mark a container running while its
RuntimeID is empty, and stamps StartedAt or FinishedAt on the transition.
Missing records are reported as *types.NotFoundError.

	store, err := storage.NewBoltStore("/var/lib/hutch")
	if err != nil {
		return err
	}
	defer store.Close()
*/
package storage
