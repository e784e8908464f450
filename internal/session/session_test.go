package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodfactory.io/internal/persistence/kv"
)

func newManager() (*Manager, *time.Time) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := &now
	return NewManager(kv.NewMemory(func() time.Time { return *clock }), 30*24*time.Hour, func() time.Time { return *clock }), clock
}

func TestManager_CreateAndValidate(t *testing.T) {
	m, clock := newManager()
	ctx := context.Background()

	id, err := m.Create(ctx)
	require.NoError(t, err)
	require.Len(t, id, 36)

	*clock = clock.Add(time.Minute)
	rec, err := m.Validate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), rec.CreatedAt)
	assert.Equal(t, int64(1_700_000_060_000), rec.LastActiveAt)
	assert.Zero(t, rec.Warnings)

	stored, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec, stored, "validate should persist the refreshed record")
}

func TestManager_ValidateUnknown(t *testing.T) {
	m, clock := newManager()
	ctx := context.Background()

	_, err := m.Validate(ctx, "not-a-uuid")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.Validate(ctx, "2b1f1f8e-52a8-4b5e-9d2a-5b3f1f0c9e11")
	assert.True(t, errors.Is(err, ErrNotFound))

	id, err := m.Create(ctx)
	require.NoError(t, err)
	*clock = clock.Add(31 * 24 * time.Hour)
	_, err = m.Validate(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound), "expired session should not validate")
}

func TestManager_Warnings(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	id, err := m.Create(ctx)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := m.IncrementWarnings(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	require.NoError(t, m.ResetWarnings(ctx, id))
	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, rec.Warnings)

	_, err = m.IncrementWarnings(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCookie(t *testing.T) {
	m, _ := newManager()
	c := m.Cookie("abc", false)
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, 30*24*60*60, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.False(t, m.Cookie("abc", true).Secure)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, FromRequest(r))
	r.AddCookie(c)
	assert.Equal(t, "abc", FromRequest(r))
}
