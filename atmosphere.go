// Package atmosphere is the public surface the host process drives: a
// small set of handle-oriented operations (§4.H) wired over the CRDT
// store, the gradient table, the transport multiplexer, the sync
// engine, and the four link-layer transports. Every exported function
// mirrors the teacher's per-operation instrumentation idiom in
// swarm/api/api.go (a registered counter per call site) and takes an
// opaque string handle rather than a struct pointer, matching the
// FFI-facing shape §9 calls for.
package atmosphere

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/llama-farm/atmosphere-core/internal/config"
	"github.com/llama-farm/atmosphere-core/internal/gradient"
	"github.com/llama-farm/atmosphere-core/internal/handle"
	"github.com/llama-farm/atmosphere-core/internal/handshake"
	"github.com/llama-farm/atmosphere-core/internal/identity"
	alog "github.com/llama-farm/atmosphere-core/internal/log"
	"github.com/llama-farm/atmosphere-core/internal/mux"
	"github.com/llama-farm/atmosphere-core/internal/penalty"
	"github.com/llama-farm/atmosphere-core/internal/session"
	"github.com/llama-farm/atmosphere-core/internal/store"
	"github.com/llama-farm/atmosphere-core/internal/syncengine"
	"github.com/llama-farm/atmosphere-core/internal/transport"
	"github.com/llama-farm/atmosphere-core/internal/transport/ble"
	"github.com/llama-farm/atmosphere-core/internal/transport/lan"
	"github.com/llama-farm/atmosphere-core/internal/transport/relay"
	"github.com/llama-farm/atmosphere-core/internal/transport/wifiaware"
)

var log = alog.New("component", "atmosphere")

var (
	opInit          = metrics.GetOrRegisterCounter("atmosphere.init", nil)
	opStartMesh     = metrics.GetOrRegisterCounter("atmosphere.start_mesh", nil)
	opStop          = metrics.GetOrRegisterCounter("atmosphere.stop", nil)
	opInsert        = metrics.GetOrRegisterCounter("atmosphere.insert", nil)
	opInsertFail    = metrics.GetOrRegisterCounter("atmosphere.insert_fail", nil)
	opQuery         = metrics.GetOrRegisterCounter("atmosphere.query", nil)
	opGet           = metrics.GetOrRegisterCounter("atmosphere.get", nil)
	opPeers         = metrics.GetOrRegisterCounter("atmosphere.peers", nil)
	opCapabilities  = metrics.GetOrRegisterCounter("atmosphere.capabilities", nil)
	opHealth        = metrics.GetOrRegisterCounter("atmosphere.health", nil)
	opPollOutbound  = metrics.GetOrRegisterCounter("atmosphere.poll_outbound", nil)
	opFeedInbound   = metrics.GetOrRegisterCounter("atmosphere.feed_inbound", nil)
	opPeerDiscover  = metrics.GetOrRegisterCounter("atmosphere.peer_discovered", nil)
	opPeerAccepted  = metrics.GetOrRegisterCounter("atmosphere.peer_accepted", nil)
)

var handles = handle.New()

// pollable is the subset of a BLE/Wi-Fi Aware link the outbound poll
// hook needs; both drivers' link types satisfy it without either
// exporting their concrete type.
type pollable interface {
	PollOutbound() []byte
}

type deviceRef struct {
	class    transport.Class
	deviceID string
}

// peerDescriptor is the JSON shape returned by Peers.
type peerDescriptor struct {
	PeerID   string `json:"peer_id"`
	Name     string `json:"name,omitempty"`
	Ready    bool   `json:"ready"`
	LastSeen int64  `json:"last_seen_unix"`
}

// healthReport is the JSON shape returned by Health.
type healthReport struct {
	Status          string `json:"status"`
	PeerID          string `json:"peer_id"`
	MeshID          string `json:"mesh_id"`
	PeerCount       int    `json:"peer_count"`
	ReadyPeerCount  int    `json:"ready_peer_count"`
	CapabilityCount int    `json:"capability_count"`
	LocalWriteOK    bool   `json:"local_write_ok"`
}

// Core is one running (or not-yet-started) mesh node. Every method is
// safe for concurrent use, matching §4.H's "every call is thread-safe".
type Core struct {
	mu      sync.Mutex
	started bool
	closed  bool

	cfg   config.Config
	peer  identity.Peer
	mesh  identity.Mesh
	appID string

	store    *store.Store
	gradient *gradient.Table
	mux      *mux.Mux
	engine   *syncengine.Engine
	sessions *session.Manager

	ctx    context.Context
	cancel context.CancelFunc

	drivers   map[transport.Class]transport.Driver
	lanDriver *lan.Driver
	ble       *ble.Driver
	wifiaware *wifiaware.Driver

	peerRegMu    sync.Mutex
	peerRegistry map[string]*peerDescriptor
	deviceRefs   map[string]deviceRef // peer_id -> device ref, from PeerAccepted
	pollables    map[string]pollable  // device_id -> poll source

	localWriteOK bool

	penalties *penalty.Tracker
}

// Init initialises a mesh node rooted at dataDir (created if absent),
// loading dataDir/atmosphere.yaml and dataDir/.env if present, and
// returns an opaque handle. Init is idempotent in the sense that calling
// it again against the same dataDir with the same appID resumes the
// same on-disk identity and store rather than generating a new peer.
func Init(dataDir, appID, name string) (string, error) {
	opInit.Inc(1)

	cfg, err := config.Load(filepath.Join(dataDir, "atmosphere.yaml"), filepath.Join(dataDir, ".env"))
	if err != nil {
		return "", fmt.Errorf("atmosphere: load config: %w", err)
	}
	if cfg.AppID == "" {
		cfg.AppID = appID
	}

	peer, err := identity.LoadOrCreate(dataDir, cfg.AppID, name)
	if err != nil {
		return "", fmt.Errorf("atmosphere: load identity: %w", err)
	}
	mesh := identity.DeriveMesh(cfg.MeshID, cfg.MeshIDSeed)

	st, err := store.Open(filepath.Join(dataDir, "db"))
	if err != nil {
		return "", fmt.Errorf("atmosphere: open store: %w", err)
	}

	gradientTable, err := gradient.New(st, peer.PeerID)
	if err != nil {
		st.Close()
		return "", fmt.Errorf("atmosphere: open gradient table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := syncengine.New(st, peer.PeerID, []string{store.CollectionCapabilities})
	sessions := session.New(ctx, *peer, mesh, cfg.AppID, engine, gradientTable)

	c := &Core{
		cfg: cfg, peer: *peer, mesh: mesh, appID: cfg.AppID,
		store: st, gradient: gradientTable, engine: engine, sessions: sessions,
		ctx: ctx, cancel: cancel,
		drivers:      make(map[transport.Class]transport.Driver),
		peerRegistry: make(map[string]*peerDescriptor),
		deviceRefs:   make(map[string]deviceRef),
		pollables:    make(map[string]pollable),
		localWriteOK: true,
		penalties:    penalty.New(),
	}
	// mux.New's callback closes over c, so the Mux can only be built once
	// c itself exists; see session.New's doc comment for the matching
	// two-step wiring this mirrors on the session side.
	c.mux = mux.New(peer.PeerID, func(peerID string, active transport.Link) {
		sessions.OnActiveChange(peerID, active)
		c.updatePeerRegistry(peerID, active)
	})
	c.sessions.SetMux(c.mux)
	c.sessions.SetFailureHook(c.onHandshakeFailed)
	c.engine.SetSender(c.mux)

	c.buildDrivers()

	h := handles.Put(c)
	log.Info("mesh node initialised", "handle", h, "peer_id", peer.PeerID, "mesh_id", mesh.ID)
	return h, nil
}

func (c *Core) buildDrivers() {
	if c.cfg.TransportEnabled(config.TransportLAN) {
		c.lanDriver = &lan.Driver{PeerID: c.peer.PeerID, AppID: c.appID, Name: c.peer.Name, Port: c.cfg.BeaconPort}
		c.drivers[transport.ClassLAN] = c.lanDriver
	}
	if c.cfg.TransportEnabled(config.TransportBLE) {
		c.ble = ble.NewDriver(c.peer.PeerID, c.appID, 0)
		c.drivers[transport.ClassBLE] = c.ble
	}
	if c.cfg.TransportEnabled(config.TransportWifiAware) {
		c.wifiaware = wifiaware.NewDriver(c.peer.PeerID, c.appID)
		c.drivers[transport.ClassWifiAware] = c.wifiaware
	}
	if c.cfg.TransportEnabled(config.TransportRelay) && c.cfg.RelayURL != "" {
		c.drivers[transport.ClassRelay] = &relay.Driver{URL: c.cfg.RelayURL, PeerID: c.peer.PeerID}
	}
}

func coreFor(h string) (*Core, error) {
	v, err := handles.Require(h)
	if err != nil {
		return nil, err
	}
	c, ok := v.(*Core)
	if !ok {
		return nil, fmt.Errorf("atmosphere: handle %q is not a mesh node", h)
	}
	return c, nil
}

// StartMesh begins discovery and serving on every enabled transport and
// returns the LAN TCP listener port (0 if LAN is disabled). Safe to call
// only once per handle.
func StartMesh(h string) (int, error) {
	opStartMesh.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return 0, fmt.Errorf("atmosphere: %q already started", h)
	}
	c.started = true
	c.mu.Unlock()

	hints := make(chan transport.PeerHint, 64)
	for class, drv := range c.drivers {
		drv := drv
		class := class
		go func() {
			if err := drv.Listen(c.ctx, func(raw transport.Link) { c.sessions.Accept(raw) }); err != nil && c.ctx.Err() == nil {
				log.Debug("driver listen ended", "class", class, "err", err)
			}
		}()
		go func() {
			if err := drv.Discover(c.ctx, hints); err != nil && c.ctx.Err() == nil {
				log.Debug("driver discover ended", "class", class, "err", err)
			}
		}()
	}
	go c.dialLoop(hints)

	if c.lanDriver == nil {
		return 0, nil
	}
	return c.waitForListenPort(), nil
}

// waitForListenPort polls the LAN driver's bound port briefly: Listen
// runs in a goroutine and binds the TCP socket asynchronously, so the
// port isn't known the instant StartMesh returns control to Listen.
func (c *Core) waitForListenPort() int {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := c.lanDriver.ListenPort(); p != 0 {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0
}

// dialLoop dials discovered peer hints at normal beacon cadence: a hint
// is skipped only while its peer already has a READY link, or while its
// address is within a protocol-error penalty window (§7) — scenario 5's
// "wrong mesh" case must keep retrying at the ordinary cadence once that
// window expires, so nothing here is a permanent once-only gate. A
// per-address in-flight set prevents piling up duplicate concurrent
// dials between successive beacon ticks for a slow-to-resolve address.
func (c *Core) dialLoop(hints <-chan transport.PeerHint) {
	var inFlightMu sync.Mutex
	inFlight := make(map[string]bool)

	for {
		select {
		case <-c.ctx.Done():
			return
		case hint, ok := <-hints:
			if !ok {
				return
			}
			if hint.PeerID == c.peer.PeerID {
				continue
			}
			if hint.PeerID != "" {
				if _, ready := c.mux.ActiveLink(hint.PeerID); ready {
					continue
				}
			}
			key := string(hint.Class) + "|" + hint.Addr
			if c.penalties.Penalized(key) {
				continue
			}
			drv, ok := c.drivers[hint.Class]
			if !ok {
				continue
			}
			inFlightMu.Lock()
			if inFlight[key] {
				inFlightMu.Unlock()
				continue
			}
			inFlight[key] = true
			inFlightMu.Unlock()

			go func(drv transport.Driver, addr string) {
				defer func() {
					inFlightMu.Lock()
					delete(inFlight, key)
					inFlightMu.Unlock()
				}()
				dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
				defer cancel()
				raw, err := drv.Dial(dialCtx, addr)
				if err != nil {
					log.Debug("dial failed", "addr", addr, "err", err)
					return
				}
				c.sessions.Initiate(raw)
			}(drv, hint.Addr)
		}
	}
}

// onHandshakeFailed implements §7's propagation policy for handshake
// outcomes: a protocol-kind failure earns the remote address a short
// redial penalty; auth and transient failures never do, so a mismatched
// mesh or a flaky link is retried at the ordinary beacon cadence.
func (c *Core) onHandshakeFailed(addr string, class transport.Class, reason handshake.CloseReason) {
	switch reason {
	case handshake.ReasonWrongApp:
		key := string(class) + "|" + addr
		c.penalties.Penalize(key, penalty.Window)
		log.Debug("protocol error, penalizing address", "addr", addr, "class", class, "reason", reason)
	default:
		log.Debug("handshake failed, no penalty", "addr", addr, "class", class, "reason", reason)
	}
}

// updatePeerRegistry keeps Peers' projection current with mux's
// active-link transitions.
func (c *Core) updatePeerRegistry(peerID string, active transport.Link) {
	c.peerRegMu.Lock()
	defer c.peerRegMu.Unlock()
	d, ok := c.peerRegistry[peerID]
	if !ok {
		d = &peerDescriptor{PeerID: peerID}
		c.peerRegistry[peerID] = d
	}
	d.Ready = active != nil
	if active != nil {
		d.LastSeen = time.Now().Unix()
	}
	if name := c.sessions.PeerName(peerID); name != "" {
		d.Name = name
	}
}

// Stop closes every link and then the store, returning within the 2s
// budget §5 requires regardless of how long the underlying sockets would
// otherwise take to notice cancellation: closing them directly
// (session.Manager.Close) is what unblocks any in-flight reads. Frames
// still waiting in the multiplexer's outbound queues are discarded when
// their peer is closed; they are not sent first.
func Stop(h string) error {
	opStop.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.sessions.Close()
		for _, drv := range c.drivers {
			drv.Close()
		}
		c.cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn("stop exceeded 2s budget", "handle", h)
	}

	c.gradient.Close()
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("atmosphere: close store: %w", err)
	}
	handles.Drop(h)
	return nil
}

// Insert upserts a document locally. Merging across the mesh follows
// automatically via the sync engine's store subscription.
func Insert(h, collection, docID string, payloadJSON []byte) error {
	opInsert.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ok := c.localWriteOK
	c.mu.Unlock()
	if !ok {
		opInsertFail.Inc(1)
		return fmt.Errorf("atmosphere: local writes suspended, see health")
	}
	if !store.IsReservedCollection(collection) {
		c.engine.Track(collection)
	}
	if _, err := c.store.Put(collection, docID, payloadJSON, c.peer.PeerID); err != nil {
		opInsertFail.Inc(1)
		c.mu.Lock()
		c.localWriteOK = false
		c.mu.Unlock()
		return fmt.Errorf("atmosphere: insert: %w", err)
	}
	return nil
}

// Query returns every non-tombstoned document in collection as a JSON
// array.
func Query(h, collection string) ([]byte, error) {
	opQuery.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return nil, err
	}
	docs, err := c.store.List(collection)
	if err != nil {
		return nil, fmt.Errorf("atmosphere: query: %w", err)
	}
	return json.Marshal(docs)
}

// Get returns one document as JSON, or the literal JSON null if absent
// or tombstoned.
func Get(h, collection, docID string) ([]byte, error) {
	opGet.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return nil, err
	}
	version, payload, ok := c.store.Get(collection, docID)
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(store.Document{Collection: collection, DocID: docID, Version: version, Payload: payload})
}

// Peers returns every known remote peer as a JSON array.
func Peers(h string) ([]byte, error) {
	opPeers.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return nil, err
	}
	c.peerRegMu.Lock()
	out := make([]peerDescriptor, 0, len(c.peerRegistry))
	for _, d := range c.peerRegistry {
		out = append(out, *d)
	}
	c.peerRegMu.Unlock()
	return json.Marshal(out)
}

// Capabilities returns the ranked _capabilities projection as a JSON
// array.
func Capabilities(h string) ([]byte, error) {
	opCapabilities.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c.gradient.Snapshot())
}

// Health reports node status, peer count, and capability count.
func Health(h string) ([]byte, error) {
	opHealth.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return nil, err
	}
	c.peerRegMu.Lock()
	peerCount := len(c.peerRegistry)
	ready := 0
	for _, d := range c.peerRegistry {
		if d.Ready {
			ready++
		}
	}
	c.peerRegMu.Unlock()

	c.mu.Lock()
	writeOK := c.localWriteOK
	c.mu.Unlock()

	status := "ok"
	if !writeOK {
		status = "degraded"
	}
	report := healthReport{
		Status: status, PeerID: c.peer.PeerID, MeshID: c.mesh.ID,
		PeerCount: peerCount, ReadyPeerCount: ready,
		CapabilityCount: len(c.gradient.Snapshot()), LocalWriteOK: writeOK,
	}
	return json.Marshal(report)
}

// PollOutbound drains the next queued fragment for peerID on whichever
// platform-shim transport (BLE or Wi-Fi Aware) it was last accepted
// over, for hosts using a pull model instead of push-driven Send.
func PollOutbound(h, peerID string) ([]byte, error) {
	opPollOutbound.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return nil, err
	}
	c.peerRegMu.Lock()
	ref, ok := c.deviceRefs[peerID]
	var p pollable
	if ok {
		p = c.pollables[ref.deviceID]
	}
	c.peerRegMu.Unlock()
	if !ok || p == nil {
		return nil, nil
	}
	return p.PollOutbound(), nil
}

// FeedInbound delivers bytes the host's platform shim received for
// peerID into the matching transport driver's reassembly.
func FeedInbound(h, peerID string, raw []byte) error {
	opFeedInbound.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return err
	}
	c.peerRegMu.Lock()
	ref, ok := c.deviceRefs[peerID]
	c.peerRegMu.Unlock()
	if !ok {
		return fmt.Errorf("atmosphere: no accepted device for peer %q", peerID)
	}
	switch ref.class {
	case transport.ClassBLE:
		if c.ble == nil {
			return fmt.Errorf("atmosphere: ble transport not enabled")
		}
		c.ble.FeedInbound(ref.deviceID, raw)
	case transport.ClassWifiAware:
		if c.wifiaware == nil {
			return fmt.Errorf("atmosphere: wifiaware transport not enabled")
		}
		c.wifiaware.FeedInbound(ref.deviceID, raw)
	default:
		return fmt.Errorf("atmosphere: feed_inbound not supported for class %q", ref.class)
	}
	return nil
}

// PeerDiscovered notifies the core that the host's native BLE or Wi-Fi
// Aware stack has seen deviceID advertising the mesh service, for the
// given class ("ble" or "wifiaware").
func PeerDiscovered(h, deviceID, class string) error {
	opPeerDiscover.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return err
	}
	switch transport.Class(class) {
	case transport.ClassBLE:
		if c.ble == nil {
			return fmt.Errorf("atmosphere: ble transport not enabled")
		}
		c.ble.PeerDiscovered(deviceID)
	case transport.ClassWifiAware:
		if c.wifiaware == nil {
			return fmt.Errorf("atmosphere: wifiaware transport not enabled")
		}
		l := c.wifiaware.EndpointDiscovered(deviceID)
		c.peerRegMu.Lock()
		c.pollables[deviceID] = l
		c.peerRegMu.Unlock()
	default:
		return fmt.Errorf("atmosphere: peer_discovered not supported for class %q", class)
	}
	return nil
}

// PeerAccepted notifies the core that the host has established (and, for
// BLE, resolved) a platform connection: deviceID now corresponds to
// peerID on the named class. Subsequent PollOutbound/FeedInbound calls
// for peerID are routed to this device.
func PeerAccepted(h, peerID, deviceID, class string) error {
	opPeerAccepted.Inc(1)
	c, err := coreFor(h)
	if err != nil {
		return err
	}
	cls := transport.Class(class)
	switch cls {
	case transport.ClassBLE:
		if c.ble == nil {
			return fmt.Errorf("atmosphere: ble transport not enabled")
		}
		l := c.ble.NewConnection(deviceID)
		c.ble.PeerInfoRead(deviceID, peerID)
		c.peerRegMu.Lock()
		c.pollables[deviceID] = l
		c.peerRegMu.Unlock()
	case transport.ClassWifiAware:
		if c.wifiaware == nil {
			return fmt.Errorf("atmosphere: wifiaware transport not enabled")
		}
		// The link was already created by PeerDiscovered's
		// EndpointDiscovered call; nothing further to establish here.
	default:
		return fmt.Errorf("atmosphere: peer_accepted not supported for class %q", class)
	}
	c.peerRegMu.Lock()
	c.deviceRefs[peerID] = deviceRef{class: cls, deviceID: deviceID}
	c.peerRegMu.Unlock()
	return nil
}
