/*
Package snapshot defines the exchange format and the backend contract for
storing "API surface" snapshots.

A snapshot is an opaque payload file (usually a serialized API shape) captured
for one package at one commit, together with its Metadata. Backends persist
the pair under a cache key derived from (package name, commit hash), return
copies of it on request, resolve a baseline (the newest snapshot of a package
on a reference branch) and expire old entries.

Every backend implements Backend. Callers hold a Backend and never depend on a
concrete type, so a cache-directory backend can be exchanged for an in-memory
one (or anything else) without code changes.

The on-disk contract shared with other tooling is

	<cache root>/<namespace>/<cache key>/snapshot.api.json
	<cache root>/<namespace>/<cache key>/metadata.json

where metadata.json holds the Metadata as JSON indented with two spaces.

A cache miss is not an error. Retrieve and GetBaseline return a nil *Snapshot
and a nil error when nothing matches.
*/
package snapshot
