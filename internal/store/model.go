package store

// Version identifies a document revision under a total order: higher
// logical_clock wins; ties are broken by lexicographically greater peer_id.
type Version struct {
	LogicalClock uint64 `json:"logical_clock"`
	PeerID       string `json:"peer_id"`
}

// Dominates reports whether v strictly dominates other under that total
// order, i.e. whether v should win a merge against other.
func (v Version) Dominates(other Version) bool {
	if v.LogicalClock != other.LogicalClock {
		return v.LogicalClock > other.LogicalClock
	}
	return v.PeerID > other.PeerID
}

// Document is the projection the host sees: collection, doc_id, version,
// last writer, payload, and an optional tombstone marker.
type Document struct {
	Collection string  `json:"collection"`
	DocID      string  `json:"doc_id"`
	Version    Version `json:"version"`
	LastWriter string  `json:"last_writer"`
	Payload    []byte  `json:"payload,omitempty"`
	Tombstone  bool    `json:"tombstone,omitempty"`
}

// ChangeRecord is one append-only log entry. Seq is dense and monotonic
// per (collection, source) pair; Source records which peer this change
// is attributed to (the local peer_id for locally-originated puts; for
// merges, the source the caller passes: the sync engine passes the
// incoming change's own Source, Import the version's peer_id), which is what the per-source
// secondary index in ChangesSince uses to make resumable iteration cheap.
type ChangeRecord struct {
	Seq        uint64  `json:"seq"`
	Collection string  `json:"collection"`
	DocID      string  `json:"doc_id"`
	Version    Version `json:"version"`
	Payload    []byte  `json:"payload,omitempty"`
	Tombstone  bool    `json:"tombstone,omitempty"`
	Source     string  `json:"source"`
	// Hops is an opaque diagnostic counter; merge/convergence logic
	// never reads it.
	Hops int `json:"hops,omitempty"`
}

// IsReservedCollection reports whether name is one of the core's
// reserved collections (names beginning with "_").
func IsReservedCollection(name string) bool {
	return len(name) > 0 && name[0] == '_'
}

const (
	// CollectionCapabilities backs the gradient table.
	CollectionCapabilities = "_capabilities"
	CollectionStatus       = "_status"
	CollectionRequests     = "_requests"
	CollectionResponses    = "_responses"
	CollectionBlobs        = "_blobs"
)
