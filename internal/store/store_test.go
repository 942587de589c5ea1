package store

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// backends returns one fresh instance of every backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(t.Name()))
	sqlStore, err := OpenSQL(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(t.TempDir()),
		"sqlite": sqlStore,
	}
}

func mapping(handle, pluginName string) Mapping {
	return Mapping{
		SecretHandle: handle,
		AssetName:    "asset-" + handle,
		AccountName:  "svc",
		DomainName:   "corp.example.com",
		PluginName:   pluginName,
	}
}

func TestStore_Mappings(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, mapping("h1", "aws")))
			require.NoError(t, s.Upsert(ctx, mapping("h1", "gcp")))
			require.NoError(t, s.Upsert(ctx, mapping("h2", "aws")))

			all, err := s.GetMappings(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "h1|aws", all[0].Key)

			forHandle, err := s.GetMappingsForHandle(ctx, "h1")
			require.NoError(t, err)
			assert.Len(t, forHandle, 2)

			forPlugin, err := s.GetMappingsForPlugin(ctx, "aws")
			require.NoError(t, err)
			assert.Len(t, forPlugin, 2)

			m, err := s.GetMapping(ctx, "h2|aws")
			require.NoError(t, err)
			assert.Equal(t, "asset-h2", m.AssetName)
			assert.Equal(t, "corp.example.com", m.DomainName)

			updated := mapping("h2", "aws")
			updated.AltAccountName = "svc-alt"
			require.NoError(t, s.Upsert(ctx, updated))
			m, err = s.GetMapping(ctx, "h2|aws")
			require.NoError(t, err)
			assert.Equal(t, "svc-alt", m.AltAccountName)
			all, _ = s.GetMappings(ctx)
			assert.Len(t, all, 3, "upsert must not duplicate the key")

			require.NoError(t, s.DeleteByKey(ctx, "h1|gcp"))
			_, err = s.GetMapping(ctx, "h1|gcp")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.DeleteAll(ctx))
			all, err = s.GetMappings(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStore_RejectsIncompleteMapping(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			err := s.Upsert(context.Background(), Mapping{SecretHandle: "h1"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "pluginName")
		})
	}
}

func TestStore_PluginSettings(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.GetPluginSettings(ctx, "aws")
			require.NoError(t, err)
			assert.Nil(t, got)

			ps := PluginSettings{
				Name:               "aws",
				Configuration:      map[string]string{"region": "us-east-1"},
				AssignedKind:       plugin.KindPassword,
				ReverseFlowEnabled: true,
			}
			require.NoError(t, s.SavePluginSettings(ctx, ps))

			got, err = s.GetPluginSettings(ctx, "aws")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, ps, *got)

			require.NoError(t, s.SavePluginSettings(ctx, PluginSettings{Name: "gcp", Configuration: map[string]string{}, AssignedKind: plugin.KindAPIKey}))
			list, err := s.ListPluginSettings(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "aws", list[0].Name)

			require.NoError(t, s.DeletePluginSettings(ctx, "aws"))
			got, err = s.GetPluginSettings(ctx, "aws")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_ReverseFlowState(t *testing.T) {
	t.Parallel()

	polled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			st := ReverseFlowState{PluginName: "gcp", LastPolledTime: polled, RotationIntervalSeconds: 86400, Enabled: true}
			require.NoError(t, s.SaveReverseFlowState(ctx, st))

			got, err := s.GetReverseFlowState(ctx, "gcp")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, polled.Equal(got.LastPolledTime))
			assert.Equal(t, int64(86400), got.RotationIntervalSeconds)
			assert.True(t, got.Enabled)

			require.NoError(t, s.SaveReverseFlowState(ctx, ReverseFlowState{PluginName: "never", RotationIntervalSeconds: 60}))
			never, err := s.GetReverseFlowState(ctx, "never")
			require.NoError(t, err)
			assert.True(t, never.LastPolledTime.IsZero())

			list, err := s.ListReverseFlowStates(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)

			require.NoError(t, s.DeleteReverseFlowState(ctx, "gcp"))
			got, err = s.GetReverseFlowState(ctx, "gcp")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestReverseFlowState_Due(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		polled time.Time
		want   bool
	}{
		{"never polled", time.Time{}, true},
		{"exactly one interval ago", now.Add(-24 * time.Hour), true},
		{"ten seconds ago", now.Add(-10 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ReverseFlowState{LastPolledTime: tt.polled, RotationIntervalSeconds: 86400}
			assert.Equal(t, tt.want, st.Due(now))
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(context.Background(), Options{Type: "file", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(context.Background(), Options{Type: "file"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Type: "sql", Driver: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(context.Background(), Options{Type: "etcd"})
	assert.ErrorContains(t, err, "unsupported store type")
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, sanitizeFilename("a/b|p"), sanitizeFilename("a-b|p"))
	assert.NotContains(t, sanitizeFilename("../../etc|p"), "/")
}
