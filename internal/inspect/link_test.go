package inspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL_OwnerLink(t *testing.T) {
	link, err := ParseURL("steam://rungame/730/76561202255233023/+csgo_econ_action_preview%20S76561198084749846A698323590D7935523998312483177")
	require.NoError(t, err)

	assert.Equal(t, "76561198084749846", link.S)
	assert.Equal(t, "698323590", link.A)
	assert.Equal(t, "7935523998312483177", link.D)
	assert.Equal(t, "0", link.M)
	assert.False(t, link.IsMarketLink())
}

func TestParseURL_MarketLink(t *testing.T) {
	link, err := ParseURL("steam://rungame/730/76561202255233023/+csgo_econ_action_preview%20M625254122282020305A6760346663D22617835924963598193")
	require.NoError(t, err)

	assert.Equal(t, "0", link.S)
	assert.Equal(t, "625254122282020305", link.M)
	assert.Equal(t, "6760346663", link.A)
	assert.True(t, link.IsMarketLink())
}

func TestParseURL_DecodedSpace(t *testing.T) {
	link, err := ParseURL("steam://rungame/730/76561202255233023/+csgo_econ_action_preview S1A2D3")
	require.NoError(t, err)
	assert.Equal(t, "1", link.S)
	assert.Equal(t, "2", link.A)
	assert.Equal(t, "3", link.D)
}

func TestParseURL_Invalid(t *testing.T) {
	cases := []string{
		"",
		"https://example.com",
		"steam://rungame/730/x/+csgo_econ_action_preview%20S1A2D3",
		"steam://rungame/730/1/+csgo_econ_action_preview%20X1A2D3",
		"steam://rungame/730/1/+csgo_econ_action_preview%20S1A2D3trailing",
		"steam://rungame/730/1/+csgo_econ_action_preview%20S1D3",
	}
	for _, raw := range cases {
		_, err := ParseURL(raw)
		assert.Error(t, err, raw)
	}
}

func TestFromFields(t *testing.T) {
	link, err := FromFields("698323590", "7935523998312483177", "76561198084749846", "")
	require.NoError(t, err)
	assert.Equal(t, "76561198084749846", link.S)
	assert.Equal(t, "0", link.M)

	link, err = FromFields("6760346663", "22617835924963598193", "", "625254122282020305")
	require.NoError(t, err)
	assert.Equal(t, "0", link.S)
	assert.True(t, link.IsMarketLink())
}

func TestFromFields_Invalid(t *testing.T) {
	cases := []struct {
		name       string
		a, d, s, m string
	}{
		{"missing a", "", "1", "2", ""},
		{"missing d", "1", "", "2", ""},
		{"both s and m", "1", "2", "3", "4"},
		{"neither s nor m", "1", "2", "", ""},
		{"non-numeric a", "abc", "2", "3", ""},
		{"non-numeric d", "1", "x2", "3", ""},
		{"non-numeric s", "1", "2", "s3", ""},
		{"non-numeric m", "1", "2", "", "m4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromFields(tc.a, tc.d, tc.s, tc.m)
			assert.Error(t, err)
		})
	}
}
