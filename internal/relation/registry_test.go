package relation

import (
	"testing"

	"github.com/arve0/electric/internal/model"
	"github.com/stretchr/testify/require"
)

func TestResolveAllocatesOnceAndReusesThereafter(t *testing.T) {
	r := New()
	identity := model.RelationIdentity{Schema: "public", Table: "entries"}
	rel := &model.Relation{Identity: identity, CanonicalID: 17, Columns: []model.Column{{Name: "id"}}}

	e1, isNew1 := r.Resolve(identity, rel)
	require.True(t, isNew1)
	require.Equal(t, uint32(17), e1.ID)

	e2, isNew2 := r.Resolve(identity, rel)
	require.False(t, isNew2)
	require.Equal(t, e1, e2)
}

func TestLookupUnknownRelationErrors(t *testing.T) {
	r := New()
	_, err := r.Lookup(99)
	require.ErrorIs(t, err, ErrUnknownRelation)
}

func TestAdmitThenLookup(t *testing.T) {
	r := New()
	identity := model.RelationIdentity{Schema: "public", Table: "entries"}
	cols := []model.Column{{Name: "id"}, {Name: "content"}}
	r.Admit(identity, 17, cols)

	got, err := r.Lookup(17)
	require.NoError(t, err)
	require.Equal(t, cols, got)
}

func TestCanonicalIDFallsBackToHashWhenAbsent(t *testing.T) {
	r := New()
	identity := model.RelationIdentity{Schema: "public", Table: "widgets"}
	rel := &model.Relation{Identity: identity, Columns: []model.Column{{Name: "id"}}}

	e, isNew := r.Resolve(identity, rel)
	require.True(t, isNew)
	require.NotZero(t, e.ID)
}
