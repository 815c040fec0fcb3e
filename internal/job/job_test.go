package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/inspect"
)

func link(assetID string) *inspect.Link {
	return &inspect.Link{S: "1", A: assetID, D: "2", M: "0"}
}

func TestSingleJobFlushesObject(t *testing.T) {
	var payload interface{}
	j := New("1.2.3.4", false, func(p interface{}) { payload = p })
	j.Add(link("100"), nil)

	item := &inspect.Item{A: "100"}
	j.SetResponse("100", item)

	require.NotNil(t, payload)
	got, ok := payload.(*inspect.Item)
	require.True(t, ok, "single job must flush the bare item, got %#v", payload)
	assert.Equal(t, "100", got.A)

	select {
	case <-j.Done():
	default:
		t.Fatal("Done not closed after flush")
	}
}

func TestBulkJobFlushesArrayInInsertionOrder(t *testing.T) {
	var payload interface{}
	j := New("1.2.3.4", true, func(p interface{}) { payload = p })
	j.Add(link("b"), nil)
	j.Add(link("a"), nil)
	j.Add(link("c"), nil)

	// Resolve out of order; the flush must keep insertion order.
	j.SetResponse("a", &inspect.Item{A: "a"})
	j.SetError("c", apierr.TTLExceeded)
	assert.Nil(t, payload, "flushed before all entries terminal")
	j.SetResponse("b", &inspect.Item{A: "b"})

	values, ok := payload.([]interface{})
	require.True(t, ok)
	require.Len(t, values, 3)
	assert.Equal(t, "b", values[0].(*inspect.Item).A)
	assert.Equal(t, "a", values[1].(*inspect.Item).A)
	assert.Equal(t, apierr.TTLExceeded.Code, values[2].(*apierr.Error).Code)
}

func TestDuplicateAssetIDsCollapse(t *testing.T) {
	flushes := 0
	j := New("ip", true, func(interface{}) { flushes++ })
	j.Add(link("100"), nil)
	j.Add(link("100"), nil)

	assert.Equal(t, 1, j.RemainingSize())
	j.SetResponse("100", &inspect.Item{A: "100"})
	assert.Equal(t, 1, flushes)
}

func TestFlushHappensExactlyOnce(t *testing.T) {
	flushes := 0
	j := New("ip", false, func(interface{}) { flushes++ })
	j.Add(link("100"), nil)

	j.SetResponse("100", &inspect.Item{A: "100"})
	// Late arrivals for an already-terminal entry are ignored.
	j.SetResponse("100", &inspect.Item{A: "100"})
	j.SetError("100", apierr.GenericBad)
	j.SetResponseRemaining(apierr.SteamOffline)

	assert.Equal(t, 1, flushes)
}

func TestSetResponseRemainingFillsOnlyPending(t *testing.T) {
	var payload interface{}
	j := New("ip", true, func(p interface{}) { payload = p })
	j.Add(link("done"), nil)
	j.Add(link("pending1"), nil)
	j.Add(link("pending2"), nil)

	j.SetResponse("done", &inspect.Item{A: "done"})
	j.SetResponseRemaining(apierr.SteamOffline)

	values := payload.([]interface{})
	require.Len(t, values, 3)
	assert.Equal(t, "done", values[0].(*inspect.Item).A)
	assert.Equal(t, apierr.SteamOffline.Code, values[1].(*apierr.Error).Code)
	assert.Equal(t, apierr.SteamOffline.Code, values[2].(*apierr.Error).Code)
}

func TestRemainingLinksInsertionOrder(t *testing.T) {
	j := New("ip", true, func(interface{}) {})
	price := uint64(99)
	j.Add(link("z"), &price)
	j.Add(link("a"), nil)

	remaining := j.RemainingLinks()
	require.Len(t, remaining, 2)
	assert.Equal(t, "z", remaining[0].Link.A)
	require.NotNil(t, remaining[0].Price)
	assert.Equal(t, uint64(99), *remaining[0].Price)
	assert.Equal(t, "a", remaining[1].Link.A)

	j.SetResponse("z", &inspect.Item{A: "z"})
	remaining = j.RemainingLinks()
	require.Len(t, remaining, 1)
	assert.Equal(t, "a", remaining[0].Link.A)
}

func TestLookupUnknownAsset(t *testing.T) {
	j := New("ip", false, func(interface{}) {})
	j.Add(link("100"), nil)

	assert.NotNil(t, j.Link("100"))
	assert.Nil(t, j.Link("missing"))
}
