package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenshot-audit/model"
)

func fbCookies() []model.Cookie {
	return []model.Cookie{
		{Name: "c_user", Value: "100", Domain: ".facebook.com", Path: "/"},
		{Name: "xs", Value: "secret", Domain: ".facebook.com", Path: "/", Secure: true, HTTPOnly: true},
	}
}

func backends(t *testing.T) map[string]func() Backend {
	dir := t.TempDir()
	return map[string]func() Backend{
		"sqlite": func() Backend {
			b, err := OpenSQLite(filepath.Join(dir, "sessions.db"))
			require.NoError(t, err)
			return b
		},
		"file": func() Backend {
			b, err := OpenFileBackend(filepath.Join(dir, "sessions"))
			require.NoError(t, err)
			return b
		},
	}
}

func TestStore_PersistsAcrossRestarts(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(open(), nil)
			assert.Nil(t, s.Load(ctx, model.Facebook))
			require.NoError(t, s.Save(ctx, model.Facebook, fbCookies()))
			require.NoError(t, s.Close())

			s2 := NewStore(open(), nil)
			defer s2.Close()
			rec := s2.Load(ctx, model.Facebook)
			require.NotNil(t, rec)
			assert.Equal(t, model.Facebook, rec.Platform)
			assert.Equal(t, fbCookies(), rec.Cookies)
			assert.False(t, rec.Valid)
			assert.False(t, rec.CapturedAt.IsZero())
			assert.Nil(t, s2.Load(ctx, model.Instagram))
		})
	}
}

func TestStore_CorruptRecordIsIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instagram.json"), []byte("{not json"), 0o600))
	b, err := OpenFileBackend(dir)
	require.NoError(t, err)

	s := NewStore(b, nil)
	assert.Nil(t, s.Load(context.Background(), model.Instagram))
}

func TestStore_MismatchedPlatformIsIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instagram.json"), []byte(`{"platform":"FACEBOOK"}`), 0o600))
	b, err := OpenFileBackend(dir)
	require.NoError(t, err)

	assert.Nil(t, NewStore(b, nil).Load(context.Background(), model.Instagram))
}

func TestStore_Validate(t *testing.T) {
	ctx := context.Background()
	b, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	s := NewStore(b, nil)
	defer s.Close()

	ok, err := s.Validate(ctx, model.Facebook, func(context.Context, []model.Cookie) (*model.Observation, error) {
		t.Fatal("probe must not run without a record")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, model.Facebook, fbCookies()))

	var probed []model.Cookie
	ok, err = s.Validate(ctx, model.Facebook, func(_ context.Context, cookies []model.Cookie) (*model.Observation, error) {
		probed = cookies
		return &model.Observation{FinalURL: "https://www.facebook.com/"}, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fbCookies(), probed)

	rec := s.Load(ctx, model.Facebook)
	assert.True(t, rec.Valid)
	assert.False(t, rec.LastValidatedAt.IsZero())

	ok, err = s.Validate(ctx, model.Facebook, func(context.Context, []model.Cookie) (*model.Observation, error) {
		return &model.Observation{LoginWallDetected: true}, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.Load(ctx, model.Facebook).Valid)
}

func TestStore_ValidateProbeError(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	require.NoError(t, s.Save(ctx, model.Instagram, nil))

	probeErr := errors.New("connection refused")
	ok, err := s.Validate(ctx, model.Instagram, func(context.Context, []model.Cookie) (*model.Observation, error) {
		return nil, probeErr
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, probeErr)
	assert.True(t, s.Load(ctx, model.Instagram).LastValidatedAt.IsZero())
}

func TestStore_SaveResetsValidity(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	require.NoError(t, s.Save(ctx, model.Facebook, fbCookies()))
	_, err := s.Validate(ctx, model.Facebook, func(context.Context, []model.Cookie) (*model.Observation, error) {
		return &model.Observation{}, nil
	})
	require.NoError(t, err)
	require.True(t, s.Load(ctx, model.Facebook).Valid)

	require.NoError(t, s.Save(ctx, model.Facebook, fbCookies()))
	assert.False(t, s.Load(ctx, model.Facebook).Valid)
}

func TestStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	s.Invalidate(ctx, model.Facebook)
	assert.Nil(t, s.Load(ctx, model.Facebook))

	require.NoError(t, s.Save(ctx, model.Facebook, fbCookies()))
	_, err := s.Validate(ctx, model.Facebook, func(context.Context, []model.Cookie) (*model.Observation, error) {
		return &model.Observation{}, nil
	})
	require.NoError(t, err)

	s.Invalidate(ctx, model.Facebook)
	assert.False(t, s.Load(ctx, model.Facebook).Valid)
}

func TestStore_SessionIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	require.NoError(t, s.Save(ctx, model.Facebook, fbCookies()))
	require.NoError(t, s.Save(ctx, model.Instagram, []model.Cookie{{Name: "sessionid", Value: "ig"}}))

	fb := s.Load(ctx, model.Facebook)
	fb.Cookies[0].Value = "tampered"
	fb.Cookies = append(fb.Cookies, model.Cookie{Name: "extra"})
	fb.Valid = true

	assert.Equal(t, fbCookies(), s.Load(ctx, model.Facebook).Cookies)
	assert.False(t, s.Load(ctx, model.Facebook).Valid)
	assert.Equal(t, []model.Cookie{{Name: "sessionid", Value: "ig"}}, s.Load(ctx, model.Instagram).Cookies)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, model.Platform) ([]byte, error) {
	return nil, errors.New("disk gone")
}
func (failingBackend) Put(context.Context, model.Platform, []byte) error {
	return errors.New("disk gone")
}
func (failingBackend) Close() error { return nil }

func TestStore_PersistenceErrorIsNonFatal(t *testing.T) {
	ctx := context.Background()
	s := NewStore(failingBackend{}, nil)

	assert.Nil(t, s.Load(ctx, model.Facebook))

	err := s.Save(ctx, model.Facebook, fbCookies())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)

	rec := s.Load(ctx, model.Facebook)
	require.NotNil(t, rec)
	assert.Equal(t, fbCookies(), rec.Cookies)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFileBackend(t.TempDir())
	require.NoError(t, err)
	s := NewStore(b, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			platform := model.Facebook
			if i%2 == 0 {
				platform = model.Instagram
			}
			assert.NoError(t, s.Save(ctx, platform, fbCookies()))
			_, _ = s.Validate(ctx, platform, func(context.Context, []model.Cookie) (*model.Observation, error) {
				return &model.Observation{}, nil
			})
		}(i)
	}
	wg.Wait()

	for _, p := range []model.Platform{model.Facebook, model.Instagram} {
		rec := NewStore(b, nil).Load(ctx, p)
		require.NotNil(t, rec)
		assert.Equal(t, fbCookies(), rec.Cookies)
	}
}
