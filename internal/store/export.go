package store

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
)

// exportedDoc is the full record written per tar entry: unlike the live
// document table, an export must carry the version and tombstone flag
// too, since importing into a different store has to merge by CRDT
// rules rather than blindly overwrite.
type exportedDoc struct {
	Collection string  `json:"collection"`
	DocID      string  `json:"doc_id"`
	Version    Version `json:"version"`
	Payload    []byte  `json:"payload,omitempty"`
	Tombstone  bool    `json:"tombstone,omitempty"`
}

// Export writes every document (including tombstones) to w as a tar
// archive, one entry per document keyed by its hex-encoded index key so
// arbitrary collection/doc_id bytes round-trip safely through tar header
// names. Grounded on swarm/storage/localstore/export.go's chunk
// export, generalized from one flat chunk index to this store's
// (collection, doc_id) keyed document table.
func (s *Store) Export(w io.Writer) (count int64, err error) {
	tw := tar.NewWriter(w)
	defer tw.Close()

	err = s.doc.IterateAll(nil, func(item interface{}) (bool, error) {
		d := item.(Document)
		ed := exportedDoc{
			Collection: d.Collection, DocID: d.DocID, Version: d.Version,
			Payload: d.Payload, Tombstone: d.Tombstone,
		}
		body, merr := json.Marshal(ed)
		if merr != nil {
			return false, merr
		}
		keyBytes, merr := docIndexFuncs.EncodeKey(docKey{d.Collection, d.DocID})
		if merr != nil {
			return false, merr
		}
		hdr := &tar.Header{
			Name: hex.EncodeToString(keyBytes),
			Mode: 0o644,
			Size: int64(len(body)),
		}
		if werr := tw.WriteHeader(hdr); werr != nil {
			return false, werr
		}
		if _, werr := tw.Write(body); werr != nil {
			return false, werr
		}
		count++
		return false, nil
	})
	return count, err
}

// Import reads a tar archive written by Export and merges every entry
// into the store by normal CRDT merge rules (a version that doesn't
// dominate what's already present is dropped, not overwritten), so
// importing the same archive twice, or importing into a store with
// newer local writes, is always safe. The imported source peer_id for
// sequencing purposes is the document's own last writer, preserving
// provenance rather than attributing every imported write to the local
// peer.
func (s *Store) Import(r io.Reader) (count int64, err error) {
	tr := tar.NewReader(r)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("store: import: read tar header: %w", err)
		}
		body, err := ioutil.ReadAll(tr)
		if err != nil {
			return count, fmt.Errorf("store: import: read entry: %w", err)
		}
		var ed exportedDoc
		if err := json.Unmarshal(body, &ed); err != nil {
			return count, fmt.Errorf("store: import: decode entry: %w", err)
		}
		if _, err := s.Merge(ed.Collection, ed.DocID, ed.Version, ed.Payload, ed.Tombstone, ed.Version.PeerID); err != nil {
			return count, fmt.Errorf("store: import: merge %s/%s: %w", ed.Collection, ed.DocID, err)
		}
		count++
	}
	return count, nil
}
