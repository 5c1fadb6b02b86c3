package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"tileflow/internal/model"
	"tileflow/pkg/config"
	"tileflow/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&config.HubConfig{Endpoint: server.URL, Token: "test-token", Timeout: 5})
}

func TestLoadSpace(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spaces/roads", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"roads","extends":"base-roads","versionsToKeep":5}`))
	})

	space, err := client.LoadSpace(context.Background(), "roads")
	require.NoError(t, err)
	assert.Equal(t, "roads", space.ID)
	assert.Equal(t, "base-roads", space.Extends)
	assert.Equal(t, 5, space.VersionsToKeep)
	assert.True(t, space.HasExtension())
}

func TestStatistics(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spaces/roads/statistics", r.URL.Path)
		assert.Equal(t, "EXTENSION", r.URL.Query().Get("context"))
		w.Write([]byte(`{
			"dataSize":{"value":4294967296,"estimated":true,"unit":"bytes"},
			"count":{"value":1000000,"estimated":true},
			"maxVersion":{"value":42,"estimated":false}
		}`))
	})

	stats, err := client.Statistics(context.Background(), "roads", model.ContextExtension)
	require.NoError(t, err)
	assert.Equal(t, int64(4<<30), stats.ByteSize)
	assert.Equal(t, int64(1_000_000), stats.FeatureCountEstimate)
	assert.Equal(t, int64(42), stats.MaxVersion)
}

func TestLoadTag(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spaces/roads/tags/release-7", r.URL.Path)
		w.Write([]byte(`{"tag":"release-7","version":37}`))
	})

	tag, err := client.LoadTag(context.Background(), "roads", "release-7")
	require.NoError(t, err)
	assert.Equal(t, int64(37), tag.Version)
}

func TestDeactivatedSpace(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusPreconditionRequired)
	})

	_, err := client.LoadSpace(context.Background(), "roads")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Contains(t, err.Error(), "deactivated")
}

func TestNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.LoadTag(context.Background(), "roads", "missing")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestUnreachableHub(t *testing.T) {
	client := NewClient(&config.HubConfig{Endpoint: "http://127.0.0.1:1", Timeout: 1})

	_, err := client.LoadSpace(context.Background(), "roads")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}
