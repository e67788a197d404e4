package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenshot-audit/model"
)

var png = []byte{0x89, 'P', 'N', 'G'}

func signal(t *testing.T, v model.Verdict, name string) model.Signal {
	t.Helper()
	for _, s := range v.Signals {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("signal %s not recorded", name)
	return model.Signal{}
}

func TestClassify_AuthorityRedirect(t *testing.T) {
	obs := &model.Observation{
		RequestedURL:                     "https://example.com/page",
		FinalURL:                         "https://authority.gov/notice",
		RedirectedToKnownAuthorityDomain: true,
	}
	v := Default().Classify(obs, model.Generic)
	assert.Equal(t, model.BlockedByAuthority, v.State)
	assert.Contains(t, v.Reason, "authority.gov")
	assert.True(t, signal(t, v, SignalAuthorityDomain).Matched)
}

func TestClassify_AuthorityBeatsLoginWall(t *testing.T) {
	obs := &model.Observation{
		RequestedURL:                     "https://www.facebook.com/profile.name",
		FinalURL:                         "https://authority.gov/notice",
		RedirectedToKnownAuthorityDomain: true,
		LoginWallDetected:                true,
		VisibleText:                      "This content isn't available right now",
	}
	for _, p := range model.Platforms {
		assert.Equal(t, model.BlockedByAuthority, Default().Classify(obs, p).State, "platform %s", p)
	}
}

func TestClassify_NoObservation(t *testing.T) {
	v := Default().Classify(nil, model.Facebook)
	assert.Equal(t, model.Error, v.State)
	assert.Empty(t, v.Signals)
}

func TestClassify_LoginRequired(t *testing.T) {
	obs := &model.Observation{
		RequestedURL:      "https://www.facebook.com/profile.name",
		FinalURL:          "https://www.facebook.com/login/?next=%2Fprofile.name",
		LoginWallDetected: true,
		Screenshot:        png,
	}
	v := Default().Classify(obs, model.Facebook)
	assert.Equal(t, model.LoginRequired, v.State)
	assert.Contains(t, v.Reason, "unauthenticated")

	obs.Authenticated = true
	v = Default().Classify(obs, model.Facebook)
	assert.Equal(t, model.LoginRequired, v.State)
	assert.Contains(t, v.Reason, "expired")
}

func TestClassify_LoginWallBeatsUnavailablePhrase(t *testing.T) {
	obs := &model.Observation{
		RequestedURL:      "https://www.instagram.com/someone/",
		FinalURL:          "https://www.instagram.com/accounts/login/",
		LoginWallDetected: true,
		VisibleText:       "Sorry, this page isn't available.",
		Screenshot:        png,
	}
	v := Default().Classify(obs, model.Instagram)
	assert.Equal(t, model.LoginRequired, v.State)
	assert.True(t, signal(t, v, SignalUnavailable).Matched)
}

func TestClassify_LoginWallAtRequestedPathFallsThrough(t *testing.T) {
	obs := &model.Observation{
		RequestedURL:      "https://www.instagram.com/someone",
		FinalURL:          "https://instagram.com/someone/",
		LoginWallDetected: true,
		Screenshot:        png,
	}
	v := Default().Classify(obs, model.Instagram)
	assert.Equal(t, model.Available, v.State)
	assert.True(t, signal(t, v, SignalLoginWall).Matched)
	assert.True(t, signal(t, v, SignalReachedPath).Matched)
}

func TestClassify_BlockedNotFound(t *testing.T) {
	obs := &model.Observation{
		RequestedURL: "https://www.facebook.com/profile.name",
		FinalURL:     "https://www.facebook.com/",
		VisibleText:  "This content isn’t available right now\nWhen this happens, it's usually because...",
		Screenshot:   png,
	}
	v := Default().Classify(obs, model.Facebook)
	require.Equal(t, model.BlockedNotFound, v.State)
	assert.Equal(t, "this content isn't available right now", signal(t, v, SignalUnavailable).Detail)
}

func TestClassify_UnavailablePhraseWithoutRedirect(t *testing.T) {
	obs := &model.Observation{
		RequestedURL: "https://www.facebook.com/profile.name",
		FinalURL:     "https://www.facebook.com/profile.name",
		VisibleText:  "This content isn't available right now",
		Screenshot:   png,
	}
	v := Default().Classify(obs, model.Facebook)
	assert.Equal(t, model.Available, v.State)
	assert.True(t, signal(t, v, SignalUnavailable).Matched)
}

func TestClassify_PrivateContent(t *testing.T) {
	obs := &model.Observation{
		RequestedURL: "https://www.instagram.com/someone/",
		FinalURL:     "https://www.instagram.com/someone/",
		VisibleText:  "This Account is Private. Follow to see their photos and videos.",
		Screenshot:   png,
	}
	v := Default().Classify(obs, model.Instagram)
	assert.Equal(t, model.PrivateContent, v.State)
}

func TestClassify_PrivateSuppressedByUnavailablePhrase(t *testing.T) {
	obs := &model.Observation{
		RequestedURL: "https://www.instagram.com/someone/",
		FinalURL:     "https://www.instagram.com/someone/",
		VisibleText:  "This account is private. User not found.",
		Screenshot:   png,
	}
	v := Default().Classify(obs, model.Instagram)
	assert.Equal(t, model.Available, v.State)
}

func TestClassify_Available(t *testing.T) {
	obs := &model.Observation{
		RequestedURL: "https://example.com/about",
		FinalURL:     "https://example.com/about",
		PageTitle:    "About",
		VisibleText:  "Welcome to our company",
		Screenshot:   png,
		ProbeStatus:  model.ProbeOK,
		ProbeCode:    200,
	}
	v := Default().Classify(obs, model.Generic)
	assert.Equal(t, model.Available, v.State)
	assert.Equal(t, "OK (200)", signal(t, v, SignalProbe).Detail)
}

func TestClassify_ProbeDoesNotOverrideRender(t *testing.T) {
	obs := &model.Observation{
		RequestedURL: "https://example.com/",
		FinalURL:     "https://example.com/",
		Screenshot:   png,
		ProbeStatus:  model.ProbeForbidden,
		ProbeCode:    403,
	}
	v := Default().Classify(obs, model.Generic)
	assert.Equal(t, model.Available, v.State)
	assert.False(t, signal(t, v, SignalProbe).Matched)
}

func TestClassify_Inconclusive(t *testing.T) {
	tests := []struct {
		name string
		obs  *model.Observation
	}{
		{"no screenshot", &model.Observation{RequestedURL: "https://example.com", FinalURL: "https://example.com"}},
		{"partial render", &model.Observation{RequestedURL: "https://example.com", FinalURL: "https://example.com", Screenshot: png, Partial: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Default().Classify(tt.obs, model.Generic)
			assert.Equal(t, model.Error, v.State)
			assert.Equal(t, ReasonInconclusive, v.Reason)
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	obs := &model.Observation{
		RequestedURL:      "https://www.facebook.com/a",
		FinalURL:          "https://www.facebook.com/",
		VisibleText:       "This page isn't available. This profile is private.",
		LoginWallDetected: false,
		Screenshot:        png,
	}
	c := Default()
	first := c.Classify(obs, model.Facebook)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, c.Classify(obs, model.Facebook))
	}
}

func TestClassify_CustomDictionary(t *testing.T) {
	dict := DefaultDictionary().Merge(Dictionary{
		Platforms: map[model.Platform]PhraseSet{
			model.Generic: {Unavailable: []string{"Seite nicht gefunden"}},
		},
	})
	obs := &model.Observation{
		RequestedURL: "https://example.de/artikel",
		FinalURL:     "https://example.de/",
		VisibleText:  "Fehler: Seite   nicht gefunden",
		Screenshot:   png,
	}
	assert.Equal(t, model.BlockedNotFound, New(dict).Classify(obs, model.Generic).State)
	assert.Equal(t, model.Available, Default().Classify(obs, model.Generic).State)
}

func TestSameResource(t *testing.T) {
	assert.True(t, sameResource("facebook.com/Profile.Name", "https://m.facebook.com/profile.name/?ref=x"))
	assert.False(t, sameResource("https://facebook.com/a", "https://facebook.com/"))
	assert.False(t, sameResource("https://a.com/x", "https://b.com/x"))
	assert.False(t, sameResource("https://a.com/x", ""))
}
