/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package membership

import (
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var ErrEmptyNodeID = errors.New("node id must not be empty")

// NodeRecord is what this node currently believes about one member of the
// cluster, including itself.
type NodeRecord struct {
	NodeID       string
	Address      string
	LastSeen     time.Time
	KnownVersion uint64
}

type UpsertResult struct {
	Record NodeRecord

	// Joined is set when the node was not in the table before this upsert,
	// either because it was never seen or because it had been evicted.
	Joined bool

	// IsSelf is set when the record described the local node and was ignored.
	IsSelf bool
}

// Table is the local membership view. The self record is always present and
// can never be evicted. All operations are safe for concurrent use.
type Table struct {
	lock  sync.Mutex
	self  NodeRecord
	peers map[string]*NodeRecord
}

func NewTable(self NodeRecord) *Table {
	return &Table{
		self:  self,
		peers: make(map[string]*NodeRecord),
	}
}

func (t *Table) SelfID() string {
	// the self id never changes after construction
	return t.self.NodeID
}

func (t *Table) Self() NodeRecord {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.self
}

func (t *Table) SetSelfAddress(address string) {
	t.lock.Lock()
	t.self.Address = address
	t.lock.Unlock()
}

// SetSelfVersion raises the version advertised for the local node. Lower
// versions are ignored.
func (t *Table) SetSelfVersion(version uint64) {
	t.lock.Lock()
	if version > t.self.KnownVersion {
		t.self.KnownVersion = version
	}
	t.lock.Unlock()
}

// Upsert records an observation of a peer. Neither LastSeen nor KnownVersion
// of an existing record ever move backwards, so out of order or duplicated
// observations are harmless.
func (t *Table) Upsert(rec NodeRecord) (UpsertResult, error) {
	if rec.NodeID == "" {
		return UpsertResult{}, ErrEmptyNodeID
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if rec.NodeID == t.self.NodeID {
		return UpsertResult{Record: t.self, IsSelf: true}, nil
	}

	existing, ok := t.peers[rec.NodeID]
	if !ok {
		stored := rec
		t.peers[rec.NodeID] = &stored
		return UpsertResult{Record: stored, Joined: true}, nil
	}

	if !rec.LastSeen.Before(existing.LastSeen) {
		existing.LastSeen = rec.LastSeen
		if rec.Address != "" {
			existing.Address = rec.Address
		}
	}
	if rec.KnownVersion > existing.KnownVersion {
		existing.KnownVersion = rec.KnownVersion
	}

	return UpsertResult{Record: *existing}, nil
}

// Evict removes a peer. Evicting the local node or an unknown node is a no-op.
func (t *Table) Evict(nodeID string) (NodeRecord, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		return NodeRecord{}, false
	}

	delete(t.peers, nodeID)
	return *rec, true
}

// EvictOlderThan removes every peer last seen before cutoff and returns the
// removed records ordered by node id.
func (t *Table) EvictOlderThan(cutoff time.Time) []NodeRecord {
	t.lock.Lock()
	defer t.lock.Unlock()

	var evicted []NodeRecord
	for nodeID, rec := range t.peers {
		if rec.LastSeen.Before(cutoff) {
			evicted = append(evicted, *rec)
			delete(t.peers, nodeID)
		}
	}

	sortRecords(evicted)
	return evicted
}

func (t *Table) Get(nodeID string) (NodeRecord, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if nodeID == t.self.NodeID {
		return t.self, true
	}

	rec, ok := t.peers[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// Len returns the number of peers, not counting the local node.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.peers)
}

func (t *Table) Snapshot() *Snapshot {
	t.lock.Lock()

	peers := make([]NodeRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		peers = append(peers, *rec)
	}
	self := t.self

	t.lock.Unlock()

	sortRecords(peers)
	return &Snapshot{
		Self:  self,
		Peers: peers,
	}
}

func sortRecords(recs []NodeRecord) {
	slices.SortFunc(recs, func(a, b NodeRecord) int {
		return strings.Compare(a.NodeID, b.NodeID)
	})
}

// Snapshot is an immutable copy of the table taken at one point in time.
type Snapshot struct {
	Self  NodeRecord
	Peers []NodeRecord
}

func (s *Snapshot) Get(nodeID string) (NodeRecord, bool) {
	if nodeID == s.Self.NodeID {
		return s.Self, true
	}

	idx, found := slices.BinarySearchFunc(s.Peers, nodeID, func(rec NodeRecord, id string) int {
		return strings.Compare(rec.NodeID, id)
	})
	if !found {
		return NodeRecord{}, false
	}
	return s.Peers[idx], true
}

func (s *Snapshot) PeerIDs() []string {
	ids := make([]string, len(s.Peers))
	for i, rec := range s.Peers {
		ids[i] = rec.NodeID
	}
	return ids
}

// PeerAddresses maps every peer id to its last advertised address.
func (s *Snapshot) PeerAddresses() map[string]string {
	addrs := make(map[string]string, len(s.Peers))
	for _, rec := range s.Peers {
		addrs[rec.NodeID] = rec.Address
	}
	return addrs
}

// HighestVersion is the greatest version known across the whole snapshot.
func (s *Snapshot) HighestVersion() uint64 {
	highest := s.Self.KnownVersion
	for _, rec := range s.Peers {
		if rec.KnownVersion > highest {
			highest = rec.KnownVersion
		}
	}
	return highest
}
