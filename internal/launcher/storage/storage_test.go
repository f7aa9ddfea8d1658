package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
	"github.com/aosedge/edgenode/internal/launcher"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "launcher.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func testInstance(serviceID string, index uint64) cloudprotocol.InstanceInfo {
	return cloudprotocol.InstanceInfo{
		InstanceIdent: cloudprotocol.InstanceIdent{
			ServiceID: serviceID, SubjectID: "subject0", Instance: index,
		},
		UID:         5000 + uint32(index),
		Priority:    10,
		StoragePath: "/var/storage/" + serviceID,
		StatePath:   "/var/state/" + serviceID,
	}
}

func TestStorageInstanceCRUD(t *testing.T) {
	store := newTestStorage(t)

	first := testInstance("service0", 0)
	second := testInstance("service1", 0)

	require.NoError(t, store.AddInstance(first))
	require.NoError(t, store.AddInstance(second))

	err := store.AddInstance(first)
	require.ErrorIs(t, err, aoserrors.ErrAlreadyExists)

	instances, err := store.GetAllInstances()
	require.NoError(t, err)
	assert.Equal(t, []cloudprotocol.InstanceInfo{first, second}, instances)

	first.Priority = 42
	first.StoragePath = "/var/storage/other"
	require.NoError(t, store.UpdateInstance(first))

	instances, err = store.GetAllInstances()
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, first, instances[0])

	require.NoError(t, store.RemoveInstance(second.InstanceIdent))

	err = store.RemoveInstance(second.InstanceIdent)
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	err = store.UpdateInstance(second)
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	instances, err = store.GetAllInstances()
	require.NoError(t, err)
	assert.Equal(t, []cloudprotocol.InstanceInfo{first}, instances)
}

func TestStorageOperationVersion(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.GetOperationVersion()
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	require.NoError(t, store.SetOperationVersion(launcher.OperationVersion))

	version, err := store.GetOperationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(launcher.OperationVersion), version)

	require.NoError(t, store.SetOperationVersion(launcher.OperationVersion+1))

	version, err = store.GetOperationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(launcher.OperationVersion+1), version)
}

func TestStorageOverrideEnvVars(t *testing.T) {
	store := newTestStorage(t)

	envVars, err := store.GetOverrideEnvVars()
	require.NoError(t, err)
	assert.Nil(t, envVars)

	ttl := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	want := []cloudprotocol.EnvVarsInstanceInfo{
		{
			InstanceIdent: cloudprotocol.InstanceIdent{
				ServiceID: "service0", SubjectID: "subject0", Instance: 0,
			},
			Variables: []cloudprotocol.EnvVarInfo{
				{Name: "LOG_LEVEL", Value: "debug", TTL: &ttl},
				{Name: "MODE", Value: "test"},
			},
		},
	}

	require.NoError(t, store.SetOverrideEnvVars(want))

	envVars, err = store.GetOverrideEnvVars()
	require.NoError(t, err)
	assert.Equal(t, want, envVars)

	require.NoError(t, store.SetOverrideEnvVars(nil))

	envVars, err = store.GetOverrideEnvVars()
	require.NoError(t, err)
	assert.Empty(t, envVars)
}

func TestStorageOnlineTime(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.GetOnlineTime()
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.SetOnlineTime(now))

	onlineTime, err := store.GetOnlineTime()
	require.NoError(t, err)
	assert.True(t, now.Equal(onlineTime), "want %s, got %s", now, onlineTime)

	// Operation version must survive independent config updates.
	require.NoError(t, store.SetOperationVersion(3))
	require.NoError(t, store.SetOnlineTime(now.Add(time.Minute)))

	version, err := store.GetOperationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
}
