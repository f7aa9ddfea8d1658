package ocispec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/edgenode/internal/launcher"
)

func TestLoadServiceSpec(t *testing.T) {
	imagePath := t.TempDir()

	spec := []byte(`{"image": "registry/service0:1.0.0", "env": ["MODE=test"]}`)
	require.NoError(t, os.WriteFile(filepath.Join(imagePath, "service.json"), spec, 0o644))

	loaded, err := NewLoader().LoadServiceSpec(imagePath)
	require.NoError(t, err)
	assert.Equal(t, launcher.ServiceSpec{
		Image: "registry/service0:1.0.0",
		Env:   []string{"MODE=test"},
	}, loaded)
}

func TestLoadServiceSpecErrors(t *testing.T) {
	imagePath := t.TempDir()

	_, err := NewLoader().LoadServiceSpec(imagePath)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(imagePath, "service.json"), []byte("{"), 0o644))

	_, err = NewLoader().LoadServiceSpec(imagePath)
	require.Error(t, err)
}
