package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name     string
		platform schemas.Platform
		url      string
		want     Location
	}{
		{"instagram profile", schemas.PlatformInstagram, "https://www.instagram.com/ma3ak.health/", Location{Handle: "ma3ak.health"}},
		{"instagram post", schemas.PlatformInstagram, "https://www.instagram.com/p/C1a2b3/", Location{ContentID: "C1a2b3"}},
		{"instagram handle post", schemas.PlatformInstagram, "https://www.instagram.com/someone/p/C1a2b3/", Location{Handle: "someone", ContentID: "C1a2b3"}},
		{"instagram reserved", schemas.PlatformInstagram, "https://www.instagram.com/explore/", Location{}},
		{"twitter profile", schemas.PlatformTwitter, "https://x.com/jack", Location{Handle: "jack"}},
		{"twitter status", schemas.PlatformTwitter, "https://x.com/jack/status/20?s=1", Location{Handle: "jack", ContentID: "20"}},
		{"twitter home", schemas.PlatformTwitter, "https://x.com/home", Location{}},
		{"tiktok profile", schemas.PlatformTikTok, "https://www.tiktok.com/@creator", Location{Handle: "creator"}},
		{"tiktok video", schemas.PlatformTikTok, "https://www.tiktok.com/@creator/video/7300000000000", Location{Handle: "creator", ContentID: "7300000000000"}},
		{"root", schemas.PlatformTwitter, "https://x.com/", Location{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocation(tt.platform, tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentifierFromURL(t *testing.T) {
	id, err := IdentifierFromURL(schemas.PlatformTwitter, schemas.ActionFollow, "https://x.com/jack/status/20")
	require.NoError(t, err)
	assert.Equal(t, "jack", id)

	id, err = IdentifierFromURL(schemas.PlatformTwitter, schemas.ActionRetweet, "https://x.com/jack/status/20")
	require.NoError(t, err)
	assert.Equal(t, "20", id)

	_, err = IdentifierFromURL("myspace", schemas.ActionFollow, "https://myspace.com/tom")
	assert.Error(t, err)
}

func TestFromURL(t *testing.T) {
	for raw, want := range map[string]schemas.Platform{
		"https://www.instagram.com/ma3ak.health/": schemas.PlatformInstagram,
		"https://x.com/jack":                      schemas.PlatformTwitter,
		"https://mobile.twitter.com/jack":         schemas.PlatformTwitter,
		"https://www.tiktok.com/@creator":         schemas.PlatformTikTok,
	} {
		got, err := FromURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := FromURL("https://notx.com/jack")
	assert.Error(t, err)
}
