package cursor

import (
	"context"
	"errors"
	"testing"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/errs"
	"github.com/arve0/electric/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeWal struct {
	cmp func(a, b model.LSN) collab.Ordering
}

func (f *fakeWal) SerializePosition(opaque any) model.LSN { return nil }
func (f *fakeWal) Compare(a, b model.LSN) collab.Ordering { return f.cmp(a, b) }
func (f *fakeWal) Subscribe(ctx context.Context, from model.LSN) (<-chan model.Transaction, error) {
	return nil, nil
}

func byteCompare(a, b model.LSN) collab.Ordering {
	switch {
	case len(a) < len(b):
		return collab.Less
	case len(a) > len(b):
		return collab.Greater
	default:
		return collab.Equal
	}
}

type fakeSubs struct{ known map[string]bool }

func (f *fakeSubs) Known(id string) bool { return f.known[id] }

func TestStartFromEmptyLSNUsesCurrentPosition(t *testing.T) {
	c := New(&fakeWal{cmp: byteCompare}, &fakeSubs{known: map[string]bool{}})
	lsn, err := c.Start(StartRequest{})
	require.NoError(t, err)
	require.Nil(t, lsn)
}

func TestStartRejectsUnknownSubscriptionID(t *testing.T) {
	c := New(&fakeWal{cmp: byteCompare}, &fakeSubs{known: map[string]bool{"s1": true}})
	_, err := c.Start(StartRequest{SubscriptionIDs: []string{"s1", "missing"}})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.SubscriptionNotFound, e.Code)
}

func TestStartRejectsPositionAheadOfCurrent(t *testing.T) {
	c := New(&fakeWal{cmp: byteCompare}, &fakeSubs{known: map[string]bool{}})
	_, err := c.Start(StartRequest{LSN: model.LSN{1, 2, 3}})
	require.NoError(t, err)
	c.Advance(model.LSN{1, 2, 3})

	_, err = c.Start(StartRequest{LSN: model.LSN{1, 2, 3, 4}})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.InvalidPosition, e.Code)
}

func TestAdvanceUpdatesPosition(t *testing.T) {
	c := New(&fakeWal{cmp: byteCompare}, &fakeSubs{known: map[string]bool{}})
	c.Advance(model.LSN{9})
	require.Equal(t, model.LSN{9}, c.Position())
}

func TestValidateResumeMapsBehindWindow(t *testing.T) {
	err := ValidateResume(collab.ErrBehindWindow)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.BehindWindow, e.Code)
}

func TestValidateResumeMapsInvalidPosition(t *testing.T) {
	err := ValidateResume(collab.ErrInvalidPosition)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, errs.InvalidPosition, e.Code)
}

func TestValidateResumePassesNilThrough(t *testing.T) {
	require.NoError(t, ValidateResume(nil))
}
