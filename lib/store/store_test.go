package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectrumlive/spt-notification/lib/settings"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sources.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveGetRoundTripsSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	cfg := settings.Defaults("demo")
	cfg.Width = 1024
	cfg.WebpageControlLevel = settings.ControlAll
	r, err := NewRecord("src1", "Alerts", cfg)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, r))

	got, err := s.Get(ctx, "src1")
	require.NoError(t, err)
	assert.Equal(t, "Alerts", got.Name)
	assert.True(t, got.Visible)

	decoded, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)
}

func TestListOrdersByPosition(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	for i, id := range []string{"c", "a", "b"} {
		r, err := NewRecord(id, id, settings.Defaults(""))
		require.NoError(t, err)
		r.Position = 2 - i
		require.NoError(t, s.Save(ctx, r))
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)

	next, err := s.NextPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestNextPositionEmpty(t *testing.T) {
	s := openTestStore(t)
	next, err := s.NextPosition(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, next)
}

func TestUpdateSettingsAndPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	r, err := NewRecord("src1", "Alerts", settings.Defaults(""))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, r))

	cfg := settings.Defaults("")
	cfg.CSS = "body { color: red; }"
	require.NoError(t, s.UpdateSettings(ctx, "src1", cfg))
	require.NoError(t, s.Place(ctx, "src1", 40, 60, false))

	got, err := s.Get(ctx, "src1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.X)
	assert.Equal(t, 60, got.Y)
	assert.False(t, got.Visible)
	decoded, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, "body { color: red; }", decoded.CSS)

	assert.ErrorIs(t, s.UpdateSettings(ctx, "missing", cfg), ErrNotFound)
	assert.ErrorIs(t, s.Place(ctx, "missing", 0, 0, true), ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	r, err := NewRecord("src1", "", settings.Defaults(""))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, r))

	require.NoError(t, s.Delete(ctx, "src1"))
	_, err = s.Get(ctx, "src1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "src1"), ErrNotFound)
}

func TestSaveRequiresID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Save(t.Context(), Record{}))
}

func TestDecodeEmptySettingsGivesDefaults(t *testing.T) {
	got, err := Record{}.Decode()
	require.NoError(t, err)
	assert.Equal(t, settings.Defaults(""), got)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.db")
	s, err := Open(path)
	require.NoError(t, err)
	r, err := NewRecord("keep", "Kept", settings.Defaults(""))
	require.NoError(t, err)
	require.NoError(t, s.Save(t.Context(), r))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(t.Context(), "keep")
	require.NoError(t, err)
	assert.Equal(t, "Kept", got.Name)
}
