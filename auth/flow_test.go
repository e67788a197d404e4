package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenshot-audit/model"
	"screenshot-audit/session"
)

type fakeDriver struct {
	mu        sync.Mutex
	pages     []*model.Observation // returned by successive Inspect calls; last one repeats
	inspects  int
	cookies   []model.Cookie
	openErr   error
	submitErr error
	submitted *Credentials
}

func (d *fakeDriver) OpenLogin(context.Context, string) error { return d.openErr }

func (d *fakeDriver) SubmitCredentials(_ context.Context, _ LoginForm, c Credentials) error {
	d.submitted = &c
	return d.submitErr
}

func (d *fakeDriver) Inspect(context.Context) (*model.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil, errors.New("no page")
	}
	i := d.inspects
	if i >= len(d.pages) {
		i = len(d.pages) - 1
	}
	d.inspects++
	return d.pages[i], nil
}

func (d *fakeDriver) Cookies(context.Context) ([]model.Cookie, error) { return d.cookies, nil }

var (
	fbHome       = &model.Observation{FinalURL: "https://www.facebook.com/", VisibleText: "What's on your mind, Ann?"}
	fbCheckpoint = &model.Observation{FinalURL: "https://www.facebook.com/checkpoint/?next", VisibleText: "Enter the code we sent"}
	fbLogin      = &model.Observation{FinalURL: "https://www.facebook.com/login/", LoginWallDetected: true}
	creds        = Credentials{Username: "ann", Password: "secret"}
	sessionJar   = []model.Cookie{{Name: "c_user", Value: "1"}, {Name: "xs", Value: "2"}}
)

// accountPage stands in for the navigation to a platform settings page.
type accountPage struct {
	mu      sync.Mutex
	calls   int
	cookies []model.Cookie
	obs     *model.Observation
	err     error
}

func (a *accountPage) visit(_ context.Context, cookies []model.Cookie) (*model.Observation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.cookies = cookies
	return a.obs, a.err
}

var fbSettings = &model.Observation{FinalURL: "https://www.facebook.com/settings", ProbeCode: 200}

func newFlow(store *session.Store) *Flow {
	f := NewFlow(store, nil, nil)
	f.ChallengeWindow = 60 * time.Millisecond
	f.PollInterval = 10 * time.Millisecond
	return f
}

func TestFlowAuthenticated(t *testing.T) {
	store := session.NewStore(nil, nil)
	d := &fakeDriver{pages: []*model.Observation{fbHome}, cookies: sessionJar}
	page := &accountPage{obs: fbSettings}

	out := newFlow(store).Run(context.Background(), model.Facebook, creds, d, page.visit)

	assert.Equal(t, Authenticated, out.State)
	assert.True(t, out.Valid)
	assert.Equal(t, 1, page.calls)
	assert.Equal(t, sessionJar, page.cookies)
	assert.False(t, out.Degraded())
	assert.NoError(t, out.Err)
	require.NotNil(t, d.submitted)
	assert.Equal(t, "ann", d.submitted.Username)

	rec := store.Load(context.Background(), model.Facebook)
	require.NotNil(t, rec)
	assert.True(t, rec.Valid)
	assert.Equal(t, sessionJar, rec.Cookies)
	assert.False(t, rec.LastValidatedAt.IsZero())
}

func TestFlowHomeEndsWindowEarly(t *testing.T) {
	d := &fakeDriver{pages: []*model.Observation{fbCheckpoint, fbCheckpoint, fbHome}, cookies: sessionJar}
	f := newFlow(session.NewStore(nil, nil))
	f.ChallengeWindow = 5 * time.Second

	start := time.Now()
	out := f.Run(context.Background(), model.Facebook, creds, d, nil)

	assert.Equal(t, Authenticated, out.State)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFlowPartialStillPersists(t *testing.T) {
	store := session.NewStore(nil, nil)
	d := &fakeDriver{pages: []*model.Observation{fbCheckpoint}, cookies: sessionJar}
	page := &accountPage{obs: fbSettings}

	out := newFlow(store).Run(context.Background(), model.Facebook, creds, d, page.visit)

	assert.Equal(t, Partial, out.State)
	assert.False(t, out.Valid)
	assert.True(t, out.Degraded())
	assert.Zero(t, page.calls, "checkpoint sessions are not validated")
	rec := store.Load(context.Background(), model.Facebook)
	require.NotNil(t, rec)
	assert.Equal(t, sessionJar, rec.Cookies)
	assert.False(t, rec.Valid)
	assert.True(t, rec.LastValidatedAt.IsZero())
}

func TestFlowAuthenticatedButAccountPageWalled(t *testing.T) {
	store := session.NewStore(nil, nil)
	d := &fakeDriver{pages: []*model.Observation{fbHome}, cookies: sessionJar}
	page := &accountPage{obs: fbLogin}

	out := newFlow(store).Run(context.Background(), model.Facebook, creds, d, page.visit)

	assert.Equal(t, Authenticated, out.State)
	assert.False(t, out.Valid)
	assert.True(t, out.Degraded())
	assert.Equal(t, 1, page.calls)
	rec := store.Load(context.Background(), model.Facebook)
	require.NotNil(t, rec)
	assert.False(t, rec.Valid)
}

func TestFlowAuthenticatedWithoutCheckStaysUnverified(t *testing.T) {
	store := session.NewStore(nil, nil)
	d := &fakeDriver{pages: []*model.Observation{fbHome}, cookies: sessionJar}

	out := newFlow(store).Run(context.Background(), model.Facebook, creds, d, nil)

	assert.Equal(t, Authenticated, out.State)
	assert.False(t, out.Valid)
	rec := store.Load(context.Background(), model.Facebook)
	require.NotNil(t, rec)
	assert.False(t, rec.Valid)
}

func TestFlowFailedOnLoginForm(t *testing.T) {
	store := session.NewStore(nil, nil)
	d := &fakeDriver{pages: []*model.Observation{fbLogin}, cookies: []model.Cookie{{Name: "datr", Value: "x"}}}

	page := &accountPage{obs: fbSettings}
	out := newFlow(store).Run(context.Background(), model.Facebook, creds, d, page.visit)

	assert.Equal(t, Failed, out.State)
	assert.Zero(t, page.calls)
	assert.False(t, out.Valid)
	rec := store.Load(context.Background(), model.Facebook)
	require.NotNil(t, rec)
	assert.False(t, rec.Valid)
}

func TestFlowDriverErrors(t *testing.T) {
	d := &fakeDriver{submitErr: errors.New("selector not found")}
	out := newFlow(nil).Run(context.Background(), model.Instagram, creds, d, nil)
	assert.Equal(t, Failed, out.State)
	assert.ErrorContains(t, out.Err, "selector not found")

	d = &fakeDriver{openErr: errors.New("dns")}
	out = newFlow(nil).Run(context.Background(), model.Instagram, creds, d, nil)
	assert.Equal(t, Failed, out.State)
	assert.Nil(t, d.submitted)
}

func TestFlowPreconditions(t *testing.T) {
	f := newFlow(nil)
	out := f.Run(context.Background(), model.Generic, creds, &fakeDriver{}, nil)
	assert.ErrorIs(t, out.Err, ErrNoProfile)

	out = f.Run(context.Background(), model.Facebook, Credentials{Username: "ann"}, &fakeDriver{}, nil)
	assert.ErrorIs(t, out.Err, ErrNoCredentials)
	assert.Equal(t, Failed, out.State)
}

func TestFlowCancelledDuringChallenge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDriver{pages: []*model.Observation{fbCheckpoint}}
	f := newFlow(nil)
	f.ChallengeWindow = time.Minute

	time.AfterFunc(30*time.Millisecond, cancel)
	out := f.Run(ctx, model.Facebook, creds, d, nil)

	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestResolveState(t *testing.T) {
	ig := DefaultProfiles()[model.Instagram]

	assert.Equal(t, Authenticated, resolveState(ig, &model.Observation{FinalURL: "https://www.instagram.com/"}))
	assert.Equal(t, Partial, resolveState(ig, &model.Observation{FinalURL: "https://www.instagram.com/challenge/abc/"}))
	assert.Equal(t, Partial, resolveState(ig, &model.Observation{FinalURL: "https://www.instagram.com/", VisibleText: "Suspicious Login Attempt"}))
	assert.Equal(t, Failed, resolveState(ig, &model.Observation{FinalURL: "https://www.instagram.com/accounts/login/"}))
	assert.Equal(t, Failed, resolveState(ig, &model.Observation{FinalURL: "https://www.instagram.com/", LoginWallDetected: true}))
	assert.Equal(t, Failed, resolveState(ig, &model.Observation{FinalURL: "https://example.org/"}))
	assert.Equal(t, Failed, resolveState(ig, nil))
}
