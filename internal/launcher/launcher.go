// Package launcher keeps the node's running service instances consistent
// with the desired state pushed from the control plane. Desired state always
// arrives as a complete snapshot; reconciliation computes the minimal
// stop/start actions and drives them through a bounded worker pool.
package launcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
	"github.com/aosedge/edgenode/internal/node/config"
	"github.com/aosedge/edgenode/internal/node/pubsub"
	"github.com/aosedge/edgenode/internal/runner"
)

// OperationVersion gates reuse of persisted instance records. If new
// functionality doesn't allow previously persisted records to be reused
// safely, this value is increased, which purges all persisted instance and
// service state before the first start.
const OperationVersion = 9

// Launcher reconciles desired instances against running state.
type Launcher struct {
	cfg config.LauncherConfig

	serviceManager      ServiceManager
	instanceRunner      runner.Runner
	ociManager          OCISpec
	statusReceiver      InstanceStatusReceiver
	storage             Storage
	resourceMonitor     ResourceMonitor
	connectionPublisher pubsub.ConnectionPublisher

	mu               sync.Mutex
	launchInProgress bool
	connected        bool
	closed           bool
	launchWG         sync.WaitGroup

	currentServices  map[string]*service
	currentInstances map[cloudprotocol.InstanceIdent]*instance
	currentEnvVars   []cloudprotocol.EnvVarsInstanceInfo
}

var (
	_ runner.StatusReceiver       = (*Launcher)(nil)
	_ pubsub.ConnectionSubscriber = (*Launcher)(nil)
)

// New creates the launcher and subscribes it to connectivity events.
func New(cfg config.LauncherConfig, serviceManager ServiceManager, instanceRunner runner.Runner,
	ociManager OCISpec, statusReceiver InstanceStatusReceiver, storage Storage,
	resourceMonitor ResourceMonitor, connectionPublisher pubsub.ConnectionPublisher,
) (*Launcher, error) {
	log.Debug().Msg("Init launcher")

	launcher := &Launcher{
		cfg:                 cfg,
		serviceManager:      serviceManager,
		instanceRunner:      instanceRunner,
		ociManager:          ociManager,
		statusReceiver:      statusReceiver,
		storage:             storage,
		resourceMonitor:     resourceMonitor,
		connectionPublisher: connectionPublisher,
		currentServices:     make(map[string]*service),
		currentInstances:    make(map[cloudprotocol.InstanceIdent]*instance),
	}

	if err := connectionPublisher.Subscribe(launcher); err != nil {
		return nil, fmt.Errorf("can't subscribe to connection events: %w", err)
	}

	return launcher, nil
}

// Start applies the operation version gate. A missing or stale persisted
// version purges all persisted records and writes the current version, so
// every instance is treated as newly desired on the next snapshot.
// Otherwise the last persisted instance set is run through the regular
// reconciliation path, restoring state after an agent restart.
func (l *Launcher) Start() error {
	version, err := l.storage.GetOperationVersion()

	switch {
	case errors.Is(err, aoserrors.ErrNotFound):
		return l.resetStorage()

	case err != nil:
		return fmt.Errorf("can't get operation version: %w", err)

	case version < OperationVersion:
		log.Info().Msgf("Operation version changed: %d -> %d", version, OperationVersion)

		return l.resetStorage()

	default:
		envVars, err := l.storage.GetOverrideEnvVars()
		if err != nil {
			return fmt.Errorf("can't get override env vars: %w", err)
		}

		l.mu.Lock()
		l.currentEnvVars = envVars
		l.mu.Unlock()

		return l.runLastInstances()
	}
}

// Stop signals shutdown and joins the in-flight launch. No reconciliation
// is accepted afterward.
func (l *Launcher) Stop() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return nil
	}

	l.closed = true

	l.mu.Unlock()

	l.launchWG.Wait()

	l.connectionPublisher.Unsubscribe(l)

	return nil
}

// RunInstances replaces the node's entire desired state with the given
// snapshot. Only one reconciliation may be in flight: a call arriving while
// one is in progress is rejected with ErrWrongState rather than queued.
func (l *Launcher) RunInstances(services []cloudprotocol.ServiceInfo, layers []cloudprotocol.LayerInfo,
	instances []cloudprotocol.InstanceInfo, forceRestart bool,
) error {
	if forceRestart {
		log.Debug().Msg("Restart instances")
	} else {
		log.Debug().Msg("Run instances")
	}

	if err := l.acquireLaunch(); err != nil {
		return err
	}

	services = append([]cloudprotocol.ServiceInfo(nil), services...)
	layers = append([]cloudprotocol.LayerInfo(nil), layers...)
	instances = append([]cloudprotocol.InstanceInfo(nil), instances...)

	go func() {
		defer l.launchWG.Done()

		l.processLayers(layers)
		l.processServices(services)

		if err := l.updateStorage(instances); err != nil {
			log.Error().Err(err).Msg("Can't update storage")
		}

		l.processInstances(instances, forceRestart)

		l.finishLaunch()
	}()

	return nil
}

// OverrideEnvVars persists the per-instance override set and returns one
// status per requested instance without running a reconciliation.
func (l *Launcher) OverrideEnvVars(
	envVarsInfo []cloudprotocol.EnvVarsInstanceInfo,
) ([]cloudprotocol.EnvVarsInstanceStatus, error) {
	log.Debug().Msg("Override env vars")

	if err := l.storage.SetOverrideEnvVars(envVarsInfo); err != nil {
		return nil, fmt.Errorf("can't store override env vars: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.currentEnvVars = envVarsInfo

	statuses := make([]cloudprotocol.EnvVarsInstanceStatus, 0, len(envVarsInfo))

	for _, info := range envVarsInfo {
		status := cloudprotocol.EnvVarsInstanceStatus{InstanceIdent: info.InstanceIdent}

		if _, ok := l.currentInstances[info.InstanceIdent]; !ok {
			status.Err = fmt.Errorf("%w: instance %s", aoserrors.ErrNotFound, info.InstanceIdent)
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

// SetCloudConnection updates the connectivity flag. Last writer wins
// between this entry point and OnConnect/OnDisconnect.
func (l *Launcher) SetCloudConnection(connected bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log.Debug().Msgf("Set cloud connection: %v", connected)

	l.connected = connected

	if connected {
		if err := l.storage.SetOnlineTime(time.Now()); err != nil {
			log.Error().Err(err).Msg("Can't store online time")
		}
	}

	return nil
}

// UpdateRunStatus merges asynchronous runner state transitions into the
// cached instances and reports them incrementally, without a
// reconciliation pass.
func (l *Launcher) UpdateRunStatus(instances []runner.RunStatus) error {
	log.Debug().Msg("Update run status")

	l.mu.Lock()

	updated := make([]cloudprotocol.InstanceStatus, 0, len(instances))

	for _, status := range instances {
		inst := l.findInstanceByID(status.InstanceID)
		if inst == nil {
			log.Warn().Msgf("Run status for unknown instance %s", status.InstanceID)
			continue
		}

		inst.runState = status.State
		inst.runErr = status.Err

		updated = append(updated, inst.status())
	}

	l.mu.Unlock()

	if len(updated) == 0 {
		return nil
	}

	if err := l.statusReceiver.InstancesUpdateStatus(updated); err != nil {
		return fmt.Errorf("can't send update status: %w", err)
	}

	return nil
}

// OnConnect marks the node connected and resends the full run status, the
// receiver may have missed updates while disconnected.
func (l *Launcher) OnConnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	log.Debug().Msg("Connection event")

	l.connected = true

	if err := l.storage.SetOnlineTime(time.Now()); err != nil {
		log.Error().Err(err).Msg("Can't store online time")
	}

	l.sendRunStatus()
}

// OnDisconnect marks the node disconnected. Outbound sends while
// disconnected are the receiver's concern, nothing is retried here.
func (l *Launcher) OnDisconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	log.Debug().Msg("Disconnection event")

	l.connected = false
}

// acquireLaunch admits one launch: it takes the single slot and counts the
// launch on launchWG while still holding the lock, so a concurrent Stop
// either rejects the call or waits for it. The caller owes one
// launchWG.Done.
func (l *Launcher) acquireLaunch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: launcher is stopped", aoserrors.ErrWrongState)
	}

	if l.launchInProgress {
		return fmt.Errorf("%w: launch in progress", aoserrors.ErrWrongState)
	}

	l.launchInProgress = true
	l.launchWG.Add(1)

	return nil
}

func (l *Launcher) finishLaunch() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sendRunStatus()

	l.launchInProgress = false
}

func (l *Launcher) runLastInstances() error {
	log.Debug().Msg("Run last instances")

	if err := l.acquireLaunch(); err != nil {
		return err
	}

	instances, err := l.storage.GetAllInstances()
	if err != nil {
		l.mu.Lock()
		l.launchInProgress = false
		l.mu.Unlock()
		l.launchWG.Done()

		return fmt.Errorf("can't get stored instances: %w", err)
	}

	go func() {
		defer l.launchWG.Done()

		l.processInstances(instances, false)

		l.finishLaunch()
	}()

	return nil
}

func (l *Launcher) resetStorage() error {
	instances, err := l.storage.GetAllInstances()
	if err != nil {
		return fmt.Errorf("can't get stored instances: %w", err)
	}

	for _, instance := range instances {
		if err = l.storage.RemoveInstance(instance.InstanceIdent); err != nil {
			return fmt.Errorf("can't remove instance %s: %w", instance.InstanceIdent, err)
		}
	}

	if err = l.storage.SetOverrideEnvVars(nil); err != nil {
		return fmt.Errorf("can't reset override env vars: %w", err)
	}

	if err = l.storage.SetOperationVersion(OperationVersion); err != nil {
		return fmt.Errorf("can't set operation version: %w", err)
	}

	return nil
}

func (l *Launcher) processServices(services []cloudprotocol.ServiceInfo) {
	log.Debug().Msg("Process services")

	for _, info := range services {
		l.mu.Lock()
		current, ok := l.currentServices[info.ID]
		l.mu.Unlock()

		if ok && !versionChanged(current.data.Version, info.Version) {
			continue
		}

		if _, err := l.serviceManager.InstallService(info); err != nil {
			log.Error().Err(err).Msgf("Can't install service %s", info.ID)
		}
	}
}

func (l *Launcher) processLayers(layers []cloudprotocol.LayerInfo) {
	log.Debug().Msg("Process layers")

	for _, layer := range layers {
		if err := l.serviceManager.InstallLayer(layer); err != nil {
			log.Error().Err(err).Msgf("Can't install layer %s", layer.ID)
		}
	}
}

func (l *Launcher) processInstances(instances []cloudprotocol.InstanceInfo, forceRestart bool) {
	log.Debug().Msg("Process instances")

	queueSize := l.cfg.MaxNumInstances
	if l.cfg.MaxNumServices > queueSize {
		queueSize = l.cfg.MaxNumServices
	}
	if l.cfg.MaxNumLayers > queueSize {
		queueSize = l.cfg.MaxNumLayers
	}

	pool := newLaunchPool(l.cfg.NumLaunchWorkers, queueSize)

	l.stopInstances(pool, instances, forceRestart)
	l.cacheServices(instances)
	l.startInstances(pool, instances)

	pool.shutdown()
}

// stopInstances stops every current instance that is absent from the new
// desired set, not active, or whose service version changed. Stops are
// ordered before starts for the same identity to avoid resource collision.
func (l *Launcher) stopInstances(pool *launchPool, instances []cloudprotocol.InstanceInfo, forceRestart bool) {
	l.mu.Lock()

	log.Debug().Msg("Stop instances")

	services, err := l.serviceManager.GetAllServices()
	if err != nil {
		log.Error().Err(err).Msg("Can't get current services")
	}

	for ident, inst := range l.currentInstances {
		_, found := findInstanceInfo(instances, ident)

		if !forceRestart && found && inst.runState == cloudprotocol.InstanceStateActive {
			if data, ok := findServiceData(services, ident.ServiceID); ok &&
				!versionChanged(inst.serviceVersion(), data.Version) {
				continue
			}
		}

		ident := ident

		if err := pool.addTask(func() {
			if err := l.stopInstance(ident); err != nil {
				log.Error().Err(err).Msgf("Can't stop instance %s", ident)
			}
		}); err != nil {
			log.Error().Err(err).Msgf("Can't stop instance %s", ident)
		}
	}

	l.mu.Unlock()

	pool.wait()
}

func (l *Launcher) startInstances(pool *launchPool, instances []cloudprotocol.InstanceInfo) {
	l.mu.Lock()

	log.Debug().Msg("Start instances")

	for _, info := range instances {
		// Skip already started instances.
		if _, ok := l.currentInstances[info.InstanceIdent]; ok {
			continue
		}

		info := info

		if err := pool.addTask(func() {
			if err := l.startInstance(info); err != nil {
				log.Error().Err(err).Msgf("Can't start instance %s", info.InstanceIdent)
			}
		}); err != nil {
			log.Error().Err(err).Msgf("Can't start instance %s", info.InstanceIdent)
		}
	}

	l.mu.Unlock()

	pool.wait()
}

// cacheServices rebuilds the service cache from the desired set. Services
// no longer referenced by any instance are handed back to the service
// manager for cleanup.
func (l *Launcher) cacheServices(instances []cloudprotocol.InstanceInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log.Debug().Msg("Cache services")

	previous := l.currentServices
	l.currentServices = make(map[string]*service)

	for _, info := range instances {
		serviceID := info.ServiceID

		if _, ok := l.currentServices[serviceID]; ok {
			continue
		}

		data, err := l.serviceManager.GetService(serviceID)
		if err != nil {
			log.Error().Err(err).Msgf("Can't get service %s", serviceID)
			continue
		}

		svc := &service{data: data}

		svc.spec, svc.specErr = l.ociManager.LoadServiceSpec(data.ImagePath)
		if svc.specErr != nil {
			log.Error().Err(svc.specErr).Msgf("Can't load spec for service %s", serviceID)
		}

		l.currentServices[serviceID] = svc
	}

	for serviceID := range previous {
		if _, ok := l.currentServices[serviceID]; ok {
			continue
		}

		if err := l.serviceManager.RemoveService(serviceID); err != nil {
			log.Error().Err(err).Msgf("Can't remove service %s", serviceID)
		}
	}

	l.updateInstanceServices()
}

// updateInstanceServices re-points every cached instance at the freshly
// cached service handles. Caller must hold the lock.
func (l *Launcher) updateInstanceServices() {
	for ident, inst := range l.currentInstances {
		svc, ok := l.currentServices[ident.ServiceID]
		if !ok {
			log.Error().Msgf("Can't get service for instance %s", ident)

			inst.service = nil

			continue
		}

		inst.service = svc
	}
}

// updateStorage diffs the desired set against the persisted one and issues
// add, update, or remove per instance. Per-item failures are logged, not
// propagated: storage is for restart recovery only.
func (l *Launcher) updateStorage(instances []cloudprotocol.InstanceInfo) error {
	stored, err := l.storage.GetAllInstances()
	if err != nil {
		return fmt.Errorf("can't get stored instances: %w", err)
	}

	for _, current := range stored {
		desired, found := findInstanceInfo(instances, current.InstanceIdent)

		switch {
		case !found:
			if err := l.storage.RemoveInstance(current.InstanceIdent); err != nil {
				log.Error().Err(err).Msgf("Can't remove instance %s from storage", current.InstanceIdent)
			}

		case desired != current:
			if err := l.storage.UpdateInstance(desired); err != nil {
				log.Error().Err(err).Msgf("Can't update instance %s in storage", current.InstanceIdent)
			}
		}
	}

	for _, info := range instances {
		if _, found := findInstanceInfo(stored, info.InstanceIdent); !found {
			if err := l.storage.AddInstance(info); err != nil {
				log.Error().Err(err).Msgf("Can't store instance %s", info.InstanceIdent)
			}
		}
	}

	return nil
}

// sendRunStatus reports the aggregated status of all known instances.
// Caller must hold the lock.
func (l *Launcher) sendRunStatus() {
	statuses := make([]cloudprotocol.InstanceStatus, 0, len(l.currentInstances))

	for _, inst := range l.currentInstances {
		log.Debug().Msgf("Instance status: instance=%s, serviceVersion=%s, runState=%s",
			inst.info.InstanceIdent, inst.serviceVersion(), inst.runState)

		statuses = append(statuses, inst.status())
	}

	log.Debug().Msg("Send run status")

	if err := l.statusReceiver.InstancesRunStatus(statuses); err != nil {
		log.Error().Err(err).Msg("Sending run status error")
	}
}

func (l *Launcher) startInstance(info cloudprotocol.InstanceInfo) error {
	l.mu.Lock()

	if _, ok := l.currentInstances[info.InstanceIdent]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: instance %s", aoserrors.ErrAlreadyExists, info.InstanceIdent)
	}

	inst := newInstance(info)
	l.currentInstances[info.InstanceIdent] = inst

	svc, ok := l.currentServices[info.ServiceID]
	if !ok {
		inst.runErr = fmt.Errorf("%w: service %s", aoserrors.ErrNotFound, info.ServiceID)

		l.mu.Unlock()

		return inst.runErr
	}

	inst.service = svc

	if svc.specErr != nil {
		inst.runErr = svc.specErr

		l.mu.Unlock()

		return inst.runErr
	}

	instanceID := inst.instanceID
	params := runner.StartParams{
		Ident:       info.InstanceIdent,
		Image:       svc.spec.Image,
		Env:         append(append([]string(nil), svc.spec.Env...), l.overrideEnv(info.InstanceIdent)...),
		UID:         info.UID,
		StoragePath: info.StoragePath,
		StatePath:   info.StatePath,
	}

	l.mu.Unlock()

	status := l.instanceRunner.StartInstance(instanceID, params)

	l.mu.Lock()
	inst.runState = status.State
	inst.runErr = status.Err
	l.mu.Unlock()

	if status.Err != nil {
		return status.Err
	}

	if err := l.resourceMonitor.StartInstanceMonitoring(instanceID, inst.monitorParams()); err != nil {
		log.Error().Err(err).Msgf("Can't start monitoring for instance %s", info.InstanceIdent)
	}

	log.Info().Msgf("Instance started: %s", info.InstanceIdent)

	return nil
}

func (l *Launcher) stopInstance(ident cloudprotocol.InstanceIdent) error {
	l.mu.Lock()

	inst, ok := l.currentInstances[ident]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: instance %s", aoserrors.ErrNotFound, ident)
	}

	delete(l.currentInstances, ident)

	l.mu.Unlock()

	var errs []error

	if err := l.resourceMonitor.StopInstanceMonitoring(inst.instanceID); err != nil &&
		!errors.Is(err, aoserrors.ErrNotFound) {
		errs = append(errs, err)
	}

	if err := l.instanceRunner.StopInstance(inst.instanceID); err != nil &&
		!errors.Is(err, aoserrors.ErrNotFound) {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	log.Info().Msgf("Instance stopped: %s", ident)

	return nil
}

// overrideEnv resolves the environment overrides for one instance, skipping
// expired variables. Caller must hold the lock.
func (l *Launcher) overrideEnv(ident cloudprotocol.InstanceIdent) []string {
	for _, info := range l.currentEnvVars {
		if info.InstanceIdent != ident {
			continue
		}

		now := time.Now()
		env := make([]string, 0, len(info.Variables))

		for _, variable := range info.Variables {
			if variable.TTL != nil && variable.TTL.Before(now) {
				continue
			}

			env = append(env, variable.Name+"="+variable.Value)
		}

		return env
	}

	return nil
}

// findInstanceByID looks an instance up by its runtime ID. Caller must hold
// the lock.
func (l *Launcher) findInstanceByID(instanceID string) *instance {
	for _, inst := range l.currentInstances {
		if inst.instanceID == instanceID {
			return inst
		}
	}

	return nil
}

func findInstanceInfo(
	instances []cloudprotocol.InstanceInfo, ident cloudprotocol.InstanceIdent,
) (cloudprotocol.InstanceInfo, bool) {
	for _, info := range instances {
		if info.InstanceIdent == ident {
			return info, true
		}
	}

	return cloudprotocol.InstanceInfo{}, false
}

func findServiceData(services []ServiceData, serviceID string) (ServiceData, bool) {
	for _, data := range services {
		if data.ServiceID == serviceID {
			return data, true
		}
	}

	return ServiceData{}, false
}

// versionChanged compares service versions as semver when possible and
// falls back to string comparison otherwise.
func versionChanged(current, desired string) bool {
	cv, dv := "v"+current, "v"+desired

	if semver.IsValid(cv) && semver.IsValid(dv) {
		return semver.Compare(cv, dv) != 0
	}

	return current != desired
}
