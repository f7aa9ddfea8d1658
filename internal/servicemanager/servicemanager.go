// Package servicemanager installs service and layer artifacts on disk and
// answers lookups from the launcher. Artifacts are fetched from the URL in
// the desired-state snapshot and unpacked under the working directory.
package servicemanager

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
	"github.com/aosedge/edgenode/internal/launcher"
)

const indexFile = "services.json"

// ServiceManager keeps installed services in <servicesDir>/<serviceID> with
// a JSON index for restart recovery.
type ServiceManager struct {
	servicesDir string
	layersDir   string

	mu       sync.Mutex
	services map[string]launcher.ServiceData
}

var _ launcher.ServiceManager = (*ServiceManager)(nil)

func New(workingDir string) (*ServiceManager, error) {
	sm := &ServiceManager{
		servicesDir: filepath.Join(workingDir, "services"),
		layersDir:   filepath.Join(workingDir, "layers"),
		services:    make(map[string]launcher.ServiceData),
	}

	for _, dir := range []string{sm.servicesDir, sm.layersDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	if err := sm.loadIndex(); err != nil {
		return nil, err
	}

	return sm, nil
}

func (sm *ServiceManager) InstallService(service cloudprotocol.ServiceInfo) (launcher.ServiceData, error) {
	imagePath := filepath.Join(sm.servicesDir, service.ID)

	if err := os.MkdirAll(imagePath, 0o755); err != nil {
		return launcher.ServiceData{}, err
	}

	if service.URL != "" {
		if err := fetch(service.URL, filepath.Join(imagePath, "image")); err != nil {
			return launcher.ServiceData{}, fmt.Errorf("can't fetch service %s: %w", service.ID, err)
		}
	}

	data := launcher.ServiceData{
		ServiceID:  service.ID,
		ProviderID: service.ProviderID,
		Version:    service.Version,
		ImagePath:  imagePath,
	}

	sm.mu.Lock()
	sm.services[service.ID] = data
	err := sm.saveIndex()
	sm.mu.Unlock()

	if err != nil {
		return launcher.ServiceData{}, err
	}

	log.Info().Msgf("Installed service %s version %s", service.ID, service.Version)

	return data, nil
}

func (sm *ServiceManager) InstallLayer(layer cloudprotocol.LayerInfo) error {
	layerPath := filepath.Join(sm.layersDir, layer.ID)

	if err := os.MkdirAll(layerPath, 0o755); err != nil {
		return err
	}

	if layer.URL != "" {
		if err := fetch(layer.URL, filepath.Join(layerPath, "layer")); err != nil {
			return fmt.Errorf("can't fetch layer %s: %w", layer.ID, err)
		}
	}

	log.Info().Msgf("Installed layer %s version %s", layer.ID, layer.Version)

	return nil
}

func (sm *ServiceManager) RemoveService(serviceID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, ok := sm.services[serviceID]
	if !ok {
		return fmt.Errorf("%w: service %s", aoserrors.ErrNotFound, serviceID)
	}

	delete(sm.services, serviceID)

	if err := os.RemoveAll(data.ImagePath); err != nil {
		return err
	}

	return sm.saveIndex()
}

func (sm *ServiceManager) GetService(serviceID string) (launcher.ServiceData, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, ok := sm.services[serviceID]
	if !ok {
		return launcher.ServiceData{}, fmt.Errorf("%w: service %s", aoserrors.ErrNotFound, serviceID)
	}

	return data, nil
}

func (sm *ServiceManager) GetAllServices() ([]launcher.ServiceData, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	services := make([]launcher.ServiceData, 0, len(sm.services))
	for _, data := range sm.services {
		services = append(services, data)
	}

	return services, nil
}

func (sm *ServiceManager) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(sm.servicesDir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, &sm.services)
}

// Caller must hold the lock.
func (sm *ServiceManager) saveIndex() error {
	raw, err := json.Marshal(sm.services)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(sm.servicesDir, indexFile), raw, 0o644)
}

func fetch(url, dst string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)

	return err
}
