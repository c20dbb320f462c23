package walsource

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"

	"github.com/arve0/electric/internal/collab"
)

func TestSerializePositionRoundTripsThroughCompare(t *testing.T) {
	s := &Source{}
	a := s.SerializePosition(pglogrepl.LSN(100))
	b := s.SerializePosition(pglogrepl.LSN(200))

	require.Equal(t, collab.Less, s.Compare(a, b))
	require.Equal(t, collab.Greater, s.Compare(b, a))
	require.Equal(t, collab.Equal, s.Compare(a, a))
}

func TestSerializePositionAcceptsStringForm(t *testing.T) {
	s := &Source{}
	a := s.SerializePosition("0/100")
	require.NotNil(t, a)
	require.Equal(t, collab.Equal, s.Compare(a, s.SerializePosition(pglogrepl.LSN(0x100))))
}

func TestSerializePositionRejectsGarbage(t *testing.T) {
	s := &Source{}
	require.Nil(t, s.SerializePosition(42))
	require.Nil(t, s.SerializePosition("not-an-lsn"))
}

func TestCompareTreatsMalformedAsEqual(t *testing.T) {
	s := &Source{}
	require.Equal(t, collab.Equal, s.Compare([]byte{1, 2}, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
}
