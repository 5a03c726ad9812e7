package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOriginsWildcard(t *testing.T) {
	for _, raw := range []string{"*", " *", "* ", "\t*\n", "   *   "} {
		o := ParseOrigins(raw)
		assert.True(t, o.Any, "raw=%q", raw)
		assert.Nil(t, o.List, "raw=%q", raw)
		assert.Equal(t, "*", o.String())
	}
}

func TestParseOriginsList(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"https://a.com, https://b.com,", []string{"https://a.com", "https://b.com"}},
		{"https://a.com", []string{"https://a.com"}},
		{" https://b.com ,https://a.com", []string{"https://b.com", "https://a.com"}},
		{"https://a.com,https://a.com", []string{"https://a.com", "https://a.com"}},
		{",, ,", []string{}},
		{"*,https://a.com", []string{"*", "https://a.com"}},
		{"**", []string{"**"}},
	}
	for _, tc := range cases {
		o := ParseOrigins(tc.raw)
		assert.False(t, o.Any, "raw=%q", tc.raw)
		assert.Equal(t, tc.want, o.List, "raw=%q", tc.raw)
	}
}

func TestOriginsAllows(t *testing.T) {
	assert.True(t, Origins{Any: true}.Allows("https://evil.example"))

	o := ParseOrigins("https://a.com, https://b.com")
	assert.True(t, o.Allows("https://a.com"))
	assert.True(t, o.Allows("https://b.com"))
	assert.False(t, o.Allows("https://c.com"))
	assert.False(t, o.Allows(""))
	assert.Equal(t, "[https://a.com, https://b.com]", o.String())
}
