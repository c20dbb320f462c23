package schemacache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/model"
)

func withFixture() *Cache {
	id := model.RelationIdentity{Schema: "public", Table: "entries"}
	rel := &model.Relation{Identity: id, CanonicalID: 17, Columns: []model.Column{{Name: "id"}}}
	return &Cache{
		latest:   map[model.RelationIdentity]*model.Relation{id: rel},
		byID:     map[uint32]*model.Relation{17: rel},
		versions: map[string]*collab.Schema{},
		ready:    true,
	}
}

func TestRelationResolvesByIdentity(t *testing.T) {
	c := withFixture()
	id := model.RelationIdentity{Schema: "public", Table: "entries"}
	rel, err := c.Relation(collab.RelationRef{Identity: &id})
	require.NoError(t, err)
	require.Equal(t, uint32(17), rel.CanonicalID)
}

func TestRelationResolvesByCanonicalID(t *testing.T) {
	c := withFixture()
	oid := uint32(17)
	rel, err := c.Relation(collab.RelationRef{ID: &oid})
	require.NoError(t, err)
	require.Equal(t, "entries", rel.Identity.Table)
}

func TestRelationRejectsUnknown(t *testing.T) {
	c := withFixture()
	id := model.RelationIdentity{Schema: "public", Table: "ghost"}
	_, err := c.Relation(collab.RelationRef{Identity: &id})
	require.Error(t, err)
}

func TestLoadWithEmptyVersionReturnsLatestSnapshot(t *testing.T) {
	c := withFixture()
	schema, err := c.Load("origin", "")
	require.NoError(t, err)
	require.Len(t, schema.Relations, 1)
}

func TestLoadUnknownVersionFails(t *testing.T) {
	c := withFixture()
	_, err := c.Load("origin", "v9")
	require.ErrorIs(t, err, collab.ErrUnknownSchemaVersion)
}

func TestCacheVersionMakesLoadSucceed(t *testing.T) {
	c := withFixture()
	c.CacheVersion("v1", &collab.Schema{Version: "v1"})
	schema, err := c.Load("origin", "v1")
	require.NoError(t, err)
	require.Equal(t, "v1", schema.Version)
}

func TestReadyReflectsRefreshState(t *testing.T) {
	c := &Cache{latest: map[model.RelationIdentity]*model.Relation{}, byID: map[uint32]*model.Relation{}, versions: map[string]*collab.Schema{}}
	require.False(t, c.Ready("origin"))
}
