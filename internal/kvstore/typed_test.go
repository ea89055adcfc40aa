package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aegis/internal/kvstore"
	"github.com/cuemby/aegis/internal/transport"
	"github.com/cuemby/aegis/internal/transport/embedded"
	"github.com/cuemby/aegis/pkg/aegiserr"
)

type widget struct {
	Name  string
	Count int
}

func newBucket(t *testing.T) transport.KVBucket {
	t.Helper()
	tr := embedded.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	bucket, err := tr.KVBucket(context.Background(), "widgets", transport.KVBucketOpts{EnableTTL: true})
	require.NoError(t, err)
	return bucket
}

func TestTypedPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), nil)

	rev, err := typed.Put(ctx, "w1", widget{Name: "cog", Count: 3}, transport.PutOpts{})
	require.NoError(t, err)
	assert.NotZero(t, rev)

	got, gotRev, err := typed.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "cog", Count: 3}, got)
	assert.Equal(t, rev, gotRev)
}

func TestTypedGetMissingIsNotFound(t *testing.T) {
	typed := kvstore.NewTyped[widget](newBucket(t), nil)
	_, _, err := typed.Get(context.Background(), "missing")
	assert.True(t, aegiserr.Is(err, aegiserr.KindNotFound))
}

func TestTypedPutCreateOnlyRejectsSecondWrite(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), nil)

	_, err := typed.PutCreateOnly(ctx, "slot", widget{Name: "first"}, transport.PutOpts{})
	require.NoError(t, err)

	_, err = typed.PutCreateOnly(ctx, "slot", widget{Name: "second"}, transport.PutOpts{})
	require.Error(t, err)

	got, _, err := typed.Get(ctx, "slot")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestTypedPutCASRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), nil)

	rev, err := typed.Put(ctx, "k", widget{Count: 1}, transport.PutOpts{})
	require.NoError(t, err)

	_, err = typed.PutCAS(ctx, "k", widget{Count: 2}, rev, transport.PutOpts{})
	require.NoError(t, err)

	_, err = typed.PutCAS(ctx, "k", widget{Count: 3}, rev, transport.PutOpts{})
	assert.True(t, aegiserr.Is(err, aegiserr.KindRevisionMismatch))
}

func TestTypedDeleteCAS(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), nil)

	rev, err := typed.Put(ctx, "k", widget{Count: 1}, transport.PutOpts{})
	require.NoError(t, err)

	err = typed.DeleteCAS(ctx, "k", rev-1)
	assert.Error(t, err)

	err = typed.DeleteCAS(ctx, "k", rev)
	require.NoError(t, err)

	_, _, err = typed.Get(ctx, "k")
	assert.True(t, aegiserr.Is(err, aegiserr.KindNotFound))
}

func TestTypedList(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), nil)

	_, err := typed.Put(ctx, "prefix/a", widget{Name: "a"}, transport.PutOpts{})
	require.NoError(t, err)
	_, err = typed.Put(ctx, "prefix/b", widget{Name: "b"}, transport.PutOpts{})
	require.NoError(t, err)
	_, err = typed.Put(ctx, "other", widget{Name: "z"}, transport.PutOpts{})
	require.NoError(t, err)

	records, err := typed.List(ctx, "prefix/")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records["prefix/a"].Value.Name)
	assert.Equal(t, "b", records["prefix/b"].Value.Name)
}

func TestTypedWithMsgpackCodec(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), kvstore.MsgpackCodec{})

	_, err := typed.Put(ctx, "k", widget{Name: "packed", Count: 7}, transport.PutOpts{})
	require.NoError(t, err)

	got, _, err := typed.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "packed", Count: 7}, got)
}

func TestTypedPutExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	typed := kvstore.NewTyped[widget](newBucket(t), nil)

	_, err := typed.Put(ctx, "ephemeral", widget{Name: "gone-soon"}, transport.PutOpts{TTL: 20 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, _, err = typed.Get(ctx, "ephemeral")
	assert.True(t, aegiserr.Is(err, aegiserr.KindNotFound))
}
