package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/model"
)

func newTestBuffer(t *testing.T) *SQLiteBuffer {
	t.Helper()
	buf, err := NewSQLiteBuffer(sl.Discard(), filepath.Join(t.TempDir(), "nested", "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })
	return buf
}

func envelope(link string) *model.Envelope {
	return model.NewEnvelope("44BF713C", "v1", link, -58, 4,
		[]model.DataPoint{
			{Name: "temp1", Value: 25.1, Unit: "°C", Quality: model.QualityGood},
			{Name: "lighting", Value: true, Quality: model.QualityGood},
		},
		[]string{"high temperature"},
	)
}

func TestSQLiteBuffer_StoreAndDrain(t *testing.T) {
	ctx := context.Background()
	buf := newTestBuffer(t)

	first := envelope("live")
	second := envelope("stale(stream_interrupted)")
	require.NoError(t, buf.Store(ctx, first))
	require.NoError(t, buf.Store(ctx, second))

	count, err := buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	pending, err := buf.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, "44BF713C", pending[0].DeviceID)
	assert.Equal(t, -58, pending[0].RSSI)
	assert.Equal(t, 4, pending[0].Signal)
	assert.Equal(t, []string{"high temperature"}, pending[0].Errors)
	assert.True(t, first.Timestamp.Equal(pending[0].Timestamp))
	require.Len(t, pending[0].Values, 2)
	assert.Equal(t, "temp1", pending[0].Values[0].Name)
	assert.Equal(t, 25.1, pending[0].Values[0].Value)
	assert.Equal(t, true, pending[0].Values[1].Value)

	limited, err := buf.GetPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, buf.MarkSent(ctx, []string{first.ID}))
	count, err = buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, buf.MarkSent(ctx, nil))
}

func TestSQLiteBuffer_DuplicateID(t *testing.T) {
	ctx := context.Background()
	buf := newTestBuffer(t)

	env := envelope("live")
	require.NoError(t, buf.Store(ctx, env))
	assert.Error(t, buf.Store(ctx, env))
}

func TestSQLiteBuffer_Cleanup(t *testing.T) {
	ctx := context.Background()
	buf := newTestBuffer(t)

	require.NoError(t, buf.Store(ctx, envelope("live")))

	require.NoError(t, buf.Cleanup(ctx, time.Hour))
	count, err := buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, buf.Cleanup(ctx, -time.Second))
	count, err = buf.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
