package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "https://example.com"},
		{"  example.com/path ", "https://example.com/path"},
		{"http://example.com", "http://example.com"},
		{"HTTPS://Example.com/A", "HTTPS://Example.com/A"},
		{"//cdn.example.com/x", "https://cdn.example.com/x"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeURL(tt.in), "input %q", tt.in)
	}
}

func TestDetectPlatform(t *testing.T) {
	assert.Equal(t, Facebook, DetectPlatform("https://www.facebook.com/profile.name"))
	assert.Equal(t, Facebook, DetectPlatform("m.facebook.com/groups/1"))
	assert.Equal(t, Facebook, DetectPlatform("https://fb.com/x"))
	assert.Equal(t, Instagram, DetectPlatform("instagram.com/someone"))
	assert.Equal(t, Generic, DetectPlatform("https://notfacebook.com/"))
	assert.Equal(t, Generic, DetectPlatform("https://example.org"))
}

func TestNewTask(t *testing.T) {
	task := NewTask("instagram.com/someone")
	assert.Equal(t, "instagram.com/someone", task.RawURL)
	assert.Equal(t, "https://instagram.com/someone", task.NormalizedURL)
	assert.Equal(t, Instagram, task.Platform)
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform(" facebook ")
	require.NoError(t, err)
	assert.Equal(t, Facebook, p)

	_, err = ParsePlatform("myspace")
	assert.Error(t, err)
}

func TestSessionRecordCloneIsDeep(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &SessionRecord{
		Platform: Facebook,
		Cookies:  []Cookie{{Name: "c_user", Value: "1", Expires: &exp}},
	}
	c := rec.Clone()
	c.Cookies[0].Value = "2"
	*c.Cookies[0].Expires = time.Time{}

	assert.Equal(t, "1", rec.Cookies[0].Value)
	assert.Equal(t, exp, *rec.Cookies[0].Expires)
}

func TestProbeStatusFromCode(t *testing.T) {
	assert.Equal(t, ProbeOK, ProbeStatusFromCode(204))
	assert.Equal(t, ProbeRedirect, ProbeStatusFromCode(301))
	assert.Equal(t, ProbeNotFound, ProbeStatusFromCode(404))
	assert.Equal(t, ProbeForbidden, ProbeStatusFromCode(451))
	assert.Equal(t, ProbeClientError, ProbeStatusFromCode(429))
	assert.Equal(t, ProbeServerError, ProbeStatusFromCode(503))
	assert.Equal(t, ProbeUnreachable, ProbeStatusFromCode(0))
}

func TestHostMatches(t *testing.T) {
	assert.True(t, HostMatches("blocked.rkn.gov.ru", "rkn.gov.ru"))
	assert.True(t, HostMatches("RKN.gov.ru", ".rkn.gov.ru"))
	assert.False(t, HostMatches("notrkn.gov.ru", "rkn.gov.ru"))
}
