package actionlog

import (
	"testing"

	"binance-pt-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) Log {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndCount(t *testing.T) {
	l := openTestLog(t)

	a, err := l.Append("BTCEUR", models.Buy, 0.01, 40000)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	_, err = l.Append("BTCEUR", models.Buy, 0.01, 40100)
	require.NoError(t, err)
	_, err = l.Append("BTCEUR", models.Sell, 0.01, 40200)
	require.NoError(t, err)
	_, err = l.Append("ETHEUR", models.Buy, 0.5, 2100)
	require.NoError(t, err)

	n, err := l.CountBySide("BTCEUR", models.Buy)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.CountBySide("BTCEUR", models.Sell)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.CountBySide("ETHEUR", models.Sell)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListOrderedOldestFirst(t *testing.T) {
	l := openTestLog(t)

	first, err := l.Append("BTCEUR", models.Buy, 0.01, 40000)
	require.NoError(t, err)
	second, err := l.Append("BTCEUR", models.Sell, 0.02, 40100)
	require.NoError(t, err)

	actions, err := l.List("BTCEUR")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, first.ID, actions[0].ID)
	assert.Equal(t, second.ID, actions[1].ID)
	assert.Equal(t, models.Sell, actions[1].Side)
	assert.InDelta(t, 40100.0, actions[1].Price, 1e-9)
}
