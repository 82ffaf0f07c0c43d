package balance

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchengine/internal/asset"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	reg := asset.NewRegistry()
	_, err := reg.Register(asset.Asset{Symbol: "BTC", Prec: 8, ShowPrec: 6})
	require.NoError(t, err)
	_, err = reg.Register(asset.Asset{Symbol: "USDT", Prec: 2, ShowPrec: 2})
	require.NoError(t, err)
	return NewLedger(reg)
}

func TestAddAndRescale(t *testing.T) {
	l := newLedger(t)

	v, err := l.Add(1, Available, "USDT", d("10.005"))
	require.NoError(t, err)
	assert.Equal(t, "10.01", v.StringFixed(2))
	assert.True(t, l.Get(1, Available, "USDT").Equal(d("10.01")))

	v, err = l.Add(1, Available, "USDT", d("0.004"))
	require.NoError(t, err)
	assert.True(t, v.Equal(d("10.01")))
}

func TestUnknownAsset(t *testing.T) {
	l := newLedger(t)

	_, err := l.Add(1, Available, "DOGE", d("1"))
	assert.True(t, errors.Is(err, asset.ErrNotFound))
	_, err = l.Freeze(1, "DOGE", d("1"))
	assert.True(t, errors.Is(err, asset.ErrNotFound))
	_, err = l.Set(1, Available, "DOGE", d("1"))
	assert.True(t, errors.Is(err, asset.ErrNotFound))
	assert.Equal(t, 0, l.Len())
}

func TestSubNegativeRejected(t *testing.T) {
	l := newLedger(t)
	_, err := l.Add(1, Available, "BTC", d("2"))
	require.NoError(t, err)

	_, err = l.Sub(1, Available, "BTC", d("-1"))
	assert.True(t, errors.Is(err, ErrNegativeAmount))
	assert.True(t, l.Get(1, Available, "BTC").Equal(d("2")))

	for _, fn := range []func() (decimal.Decimal, error){
		func() (decimal.Decimal, error) { return l.Add(1, Available, "BTC", d("-1")) },
		func() (decimal.Decimal, error) { return l.Freeze(1, "BTC", d("-1")) },
		func() (decimal.Decimal, error) { return l.Unfreeze(1, "BTC", d("-1")) },
	} {
		_, err := fn()
		assert.True(t, errors.Is(err, ErrNegativeAmount))
	}
	assert.True(t, l.Get(1, Available, "BTC").Equal(d("2")))
	assert.True(t, l.Get(1, Freeze, "BTC").IsZero())
}

func TestSubInsufficient(t *testing.T) {
	l := newLedger(t)
	_, err := l.Add(1, Available, "BTC", d("1"))
	require.NoError(t, err)

	_, err = l.Sub(1, Available, "BTC", d("1.5"))
	assert.True(t, errors.Is(err, ErrInsufficient))
	assert.True(t, l.Get(1, Available, "BTC").Equal(d("1")))

	v, err := l.Sub(1, Available, "BTC", d("1"))
	require.NoError(t, err)
	assert.True(t, v.IsZero())
	assert.Equal(t, 0, l.Len(), "zero entries must be deleted")
}

func TestFreezeExceedingAvailable(t *testing.T) {
	l := newLedger(t)
	_, err := l.Add(1, Available, "BTC", d("1"))
	require.NoError(t, err)

	_, err = l.Freeze(1, "BTC", d("1.00000001"))
	assert.True(t, errors.Is(err, ErrInsufficient))
	assert.True(t, l.Get(1, Available, "BTC").Equal(d("1")))
	assert.True(t, l.Get(1, Freeze, "BTC").IsZero())
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	l := newLedger(t)
	_, err := l.Add(7, Available, "BTC", d("3.5"))
	require.NoError(t, err)

	avail, err := l.Freeze(7, "BTC", d("1.25"))
	require.NoError(t, err)
	assert.True(t, avail.Equal(d("2.25")))
	assert.True(t, l.Get(7, Freeze, "BTC").Equal(d("1.25")))
	assert.True(t, l.Total(7, "BTC").Equal(d("3.5")))

	frozen, err := l.Unfreeze(7, "BTC", d("1.25"))
	require.NoError(t, err)
	assert.True(t, frozen.IsZero())
	assert.True(t, l.Get(7, Available, "BTC").Equal(d("3.5")))
	assert.Equal(t, 1, l.Len())

	_, err = l.Unfreeze(7, "BTC", d("0.1"))
	assert.True(t, errors.Is(err, ErrInsufficient))
}

func TestSetNonPositiveDeletes(t *testing.T) {
	l := newLedger(t)
	_, err := l.Set(1, Freeze, "USDT", d("5"))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	v, err := l.Set(1, Freeze, "USDT", d("-3"))
	require.NoError(t, err)
	assert.True(t, v.IsZero())
	assert.Equal(t, 0, l.Len())

	_, err = l.Set(1, Freeze, "USDT", d("0.001"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len(), "value rounding to zero is not stored")
}

func TestStatus(t *testing.T) {
	l := newLedger(t)
	_, _ = l.Add(1, Available, "BTC", d("1"))
	_, _ = l.Add(2, Available, "BTC", d("2"))
	_, err := l.Freeze(2, "BTC", d("0.5"))
	require.NoError(t, err)
	_, _ = l.Add(2, Available, "USDT", d("100"))

	st := l.Status("BTC")
	assert.True(t, st.Total.Equal(d("3")))
	assert.True(t, st.Available.Equal(d("2.5")))
	assert.True(t, st.Freeze.Equal(d("0.5")))
	assert.Equal(t, 2, st.AvailableCount)
	assert.Equal(t, 1, st.FreezeCount)
	assert.Equal(t, 3, st.TotalCount)
}

func TestEachOrderAndClone(t *testing.T) {
	l := newLedger(t)
	_, _ = l.Add(2, Available, "USDT", d("1"))
	_, _ = l.Add(1, Freeze, "BTC", d("1"))
	_, _ = l.Add(1, Available, "USDT", d("1"))
	_, _ = l.Add(1, Available, "BTC", d("1"))

	var got []Entry
	l.Each(func(e Entry) { got = append(got, e) })
	require.Len(t, got, 4)
	assert.Equal(t, Entry{UserID: 1, Type: Available, Asset: "BTC", Amount: got[0].Amount}, got[0])
	assert.Equal(t, "USDT", got[1].Asset)
	assert.Equal(t, Freeze, got[2].Type)
	assert.Equal(t, uint32(2), got[3].UserID)

	c := l.Clone()
	_, err := c.Sub(1, Available, "BTC", d("1"))
	require.NoError(t, err)
	assert.True(t, l.Get(1, Available, "BTC").Equal(d("1")))
	assert.Len(t, l.User(1), 3)
	assert.Len(t, c.User(1), 2)
}
