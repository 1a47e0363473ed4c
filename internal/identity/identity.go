// Package identity manages the two identities a peer needs: its own
// stable peer_id/name (persisted to identity.json) and the mesh identity
// (mesh_id plus a shared secret derived from a seed).
//
// Persistence follows the same load/save-via-JSON shape as the
// teacher's network.Hive.loadPeers/savePeers (swarm/network/hive.go):
// read the whole file, json.Unmarshal, and on Save simply overwrite —
// identity.json is small and rewritten rarely.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
)

var log = alog.New("component", "identity")

// IDSize is the size in bytes of a peer_id (256 bits).
const IDSize = 32

const identityFile = "identity.json"

// Peer is this process's stable identity. A missing identity.json on
// start yields a freshly generated peer_id; the store is opened on its
// own and is not reset along with it.
type Peer struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
	AppID  string `json:"app_id"`
}

// NewPeerID generates a fresh random 256-bit hex peer_id.
func NewPeerID() (string, error) {
	buf := make([]byte, IDSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate peer id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoadOrCreate reads identity.json from dir, creating and persisting a
// fresh identity if none exists. appID and name are used only when a
// new identity is created; an existing identity.json keeps its own
// app_id and name (name may later be changed and re-saved).
func LoadOrCreate(dir, appID, name string) (*Peer, error) {
	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var p Peer
		if uerr := json.Unmarshal(data, &p); uerr != nil {
			return nil, fmt.Errorf("identity: parse %s: %w", path, uerr)
		}
		log.Debug("loaded existing identity", "peer_id", p.PeerID)
		return &p, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	id, err := NewPeerID()
	if err != nil {
		return nil, err
	}
	p := &Peer{PeerID: id, Name: name, AppID: appID}
	if err := p.Save(dir); err != nil {
		return nil, err
	}
	log.Info("generated new identity", "peer_id", p.PeerID)
	return p, nil
}

// Save persists the identity to dir/identity.json, creating dir if needed.
func (p *Peer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: mkdir %s: %w", dir, err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	path := filepath.Join(dir, identityFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("identity: rename %s: %w", path, err)
	}
	return nil
}

// Mesh is the shared identity of a mesh: a name plus the 32-byte secret
// every member must hold.
type Mesh struct {
	ID     string
	Secret [32]byte
}

// DeriveMesh computes the mesh's shared secret as SHA-256(meshIDSeed).
func DeriveMesh(meshID, meshIDSeed string) Mesh {
	return Mesh{ID: meshID, Secret: sha256.Sum256([]byte(meshIDSeed))}
}

// HMAC computes hex(HMAC-SHA256(nonceRemote ‖ peerIDLocal, secret)).
func (m Mesh) HMAC(nonceRemote []byte, peerIDLocal string) string {
	mac := hmac.New(sha256.New, m.Secret[:])
	mac.Write(nonceRemote)
	mac.Write([]byte(peerIDLocal))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a remote-supplied hex HMAC in constant time.
func (m Mesh) VerifyHMAC(nonceRemote []byte, peerIDLocal, mac string) bool {
	want := m.HMAC(nonceRemote, peerIDLocal)
	return subtle.ConstantTimeCompare([]byte(want), []byte(mac)) == 1
}

// SameMesh reports whether two mesh identities describe the same mesh.
func (m Mesh) SameMesh(meshID string) bool {
	return m.ID == meshID
}
