package servicemanager

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
)

func TestServiceManagerInstallAndLookup(t *testing.T) {
	workingDir := t.TempDir()

	sm, err := New(workingDir)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("artifact"))
	}))
	defer server.Close()

	data, err := sm.InstallService(cloudprotocol.ServiceInfo{
		ID: "service0", ProviderID: "provider0", Version: "1.0.0", URL: server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "service0", data.ServiceID)
	assert.Equal(t, "1.0.0", data.Version)

	artifact, err := os.ReadFile(filepath.Join(data.ImagePath, "image"))
	require.NoError(t, err)
	assert.Equal(t, "artifact", string(artifact))

	got, err := sm.GetService("service0")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = sm.GetService("unknown")
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	require.NoError(t, sm.InstallLayer(cloudprotocol.LayerInfo{
		ID: "layer0", Version: "1.0.0", URL: server.URL,
	}))

	all, err := sm.GetAllServices()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestServiceManagerIndexSurvivesRestart(t *testing.T) {
	workingDir := t.TempDir()

	sm, err := New(workingDir)
	require.NoError(t, err)

	data, err := sm.InstallService(cloudprotocol.ServiceInfo{
		ID: "service0", Version: "1.0.0",
	})
	require.NoError(t, err)

	// A fresh manager over the same directory sees the installed service.
	restarted, err := New(workingDir)
	require.NoError(t, err)

	got, err := restarted.GetService("service0")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, restarted.RemoveService("service0"))

	_, err = restarted.GetService("service0")
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	err = restarted.RemoveService("service0")
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	_, statErr := os.Stat(data.ImagePath)
	assert.True(t, os.IsNotExist(statErr), "image dir must be removed")
}
