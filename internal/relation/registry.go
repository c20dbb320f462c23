// Package relation implements the connection-local relation registry
// (C4, §4.4): the mapping between stable (schema, table) identities and
// the volatile relation_id integers advertised to the peer. One Registry
// instance tracks the outbound direction (what this side has told the
// peer) and a second tracks the inbound direction (what the peer has told
// this side) — they are never shared.
package relation

import (
	"fmt"
	"sync"

	"github.com/arve0/electric/internal/model"
)

// Entry is one resolved registry row.
type Entry struct {
	ID      uint32
	Columns []model.Column
}

// Registry maps relation identities to relation ids for one direction of
// one connection. Entries are added lazily on first use and never
// mutated in place (§3 invariant).
type Registry struct {
	mu        sync.Mutex
	byIdentity map[model.RelationIdentity]Entry
	byID       map[uint32]model.RelationIdentity
}

func New() *Registry {
	return &Registry{
		byIdentity: make(map[model.RelationIdentity]Entry),
		byID:       make(map[uint32]model.RelationIdentity),
	}
}

// Resolve returns the registry entry for identity, allocating one via
// canonicalID if it isn't already known. isNew is true when this call
// allocated a fresh entry, signaling the caller must emit a Relation
// frame before referencing the id (§4.4 invariant).
func (r *Registry) Resolve(identity model.RelationIdentity, rel *model.Relation) (entry Entry, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byIdentity[identity]; ok {
		return e, false
	}

	e := Entry{ID: canonicalID(rel), Columns: rel.Columns}
	r.byIdentity[identity] = e
	r.byID[e.ID] = identity
	return e, true
}

// Admit records an entry advertised by the peer (used on the inbound
// direction, when a Relation frame arrives before any OpLog referencing
// it). It never overwrites an existing mapping for the same id.
func (r *Registry) Admit(identity model.RelationIdentity, id uint32, columns []model.Column) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return
	}
	r.byIdentity[identity] = Entry{ID: id, Columns: columns}
	r.byID[id] = identity
}

// ErrUnknownRelation is returned by Lookup for an id that was never
// introduced by a Relation frame — a protocol violation (§7).
var ErrUnknownRelation = fmt.Errorf("relation: unknown relation id")

// Lookup returns the columns advertised for a relation_id previously
// admitted or resolved on this registry.
func (r *Registry) Lookup(id uint32) ([]model.Column, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownRelation
	}
	return r.byIdentity[identity].Columns, nil
}

// IdentityForID returns the stable identity behind a previously
// admitted or resolved relation_id.
func (r *Registry) IdentityForID(id uint32) (model.RelationIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byID[id]
	return identity, ok
}

// canonicalID derives the wire relation_id from the schema cache's
// canonical identifier (e.g. a PG OID) when present, else falls back to a
// content hash of the identity — the id is a connection-local contract,
// not a database identity, even when seeded from a PG OID (§9).
func canonicalID(rel *model.Relation) uint32 {
	if rel.CanonicalID != 0 {
		return rel.CanonicalID
	}
	return hashIdentity(rel.Identity)
}

func hashIdentity(id model.RelationIdentity) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for _, b := range []byte(id.Schema + "." + id.Table) {
		h ^= uint32(b)
		h *= prime32
	}
	return h
}
