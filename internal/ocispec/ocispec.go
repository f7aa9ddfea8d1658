// Package ocispec resolves an installed service's runtime spec from its
// image directory.
package ocispec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aosedge/edgenode/internal/launcher"
)

const specFile = "service.json"

// Loader reads <imagePath>/service.json into a runtime spec.
type Loader struct{}

var _ launcher.OCISpec = (*Loader)(nil)

func NewLoader() *Loader {
	return &Loader{}
}

func (l *Loader) LoadServiceSpec(imagePath string) (launcher.ServiceSpec, error) {
	raw, err := os.ReadFile(filepath.Join(imagePath, specFile))
	if err != nil {
		return launcher.ServiceSpec{}, fmt.Errorf("can't read service spec: %w", err)
	}

	var spec launcher.ServiceSpec

	if err = json.Unmarshal(raw, &spec); err != nil {
		return launcher.ServiceSpec{}, fmt.Errorf("can't decode service spec: %w", err)
	}

	return spec, nil
}
