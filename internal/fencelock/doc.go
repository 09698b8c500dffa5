// Package fencelock provides a file-based mutual-exclusion primitive with a
// time-to-live, for serializing a sensitive operation across fleet instances
// that share a filesystem but have no other communication channel.
//
// A lock is held iff its lock file exists, parses as a valid record, and the
// record's expiry lies in the future. A missing file, a corrupt record, or a
// past expiry all mean the lock is available, and observing any of those
// states reclaims (deletes) the stale file. The TTL bounds the damage of a
// crashed holder: the fleet can never deadlock on a lock file nobody will
// release.
//
// Reclaiming a corrupt record favors liveness over strict safety. A second
// acquirer could race into the narrow window while a legitimate holder is
// still mid-write. Callers that need stronger guarantees should not use a
// shared filesystem as their coordination medium.
package fencelock
