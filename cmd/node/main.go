package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/launcher"
	"github.com/aosedge/edgenode/internal/launcher/storage"
	"github.com/aosedge/edgenode/internal/monitoring"
	"github.com/aosedge/edgenode/internal/monitoring/usage"
	"github.com/aosedge/edgenode/internal/node/api"
	"github.com/aosedge/edgenode/internal/node/config"
	"github.com/aosedge/edgenode/internal/node/logging"
	"github.com/aosedge/edgenode/internal/node/pubsub"
	"github.com/aosedge/edgenode/internal/ocispec"
	"github.com/aosedge/edgenode/internal/runner"
	"github.com/aosedge/edgenode/internal/servicemanager"
	"golang.org/x/sync/errgroup"
)

var log = logging.NewLogger()

func main() {
	nodeConfig, err := config.NewNodeConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("can't load node config")
	}

	store, err := storage.New(nodeConfig.StoragePath())
	if err != nil {
		log.Fatal().Err(err).Msg("can't open launcher storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Err(err).Msg("error closing launcher storage")
		}
	}()

	connectionEvents := pubsub.NewConnectionEvents()

	provider := usage.New(nodeConfig.NodeID, nil)

	reporter := &cloudReporter{}

	monitor, err := monitoring.New(nodeConfig.Monitoring, provider, reporter, connectionEvents)
	if err != nil {
		log.Fatal().Err(err).Msg("can't create resource monitor")
	}

	serviceManager, err := servicemanager.New(nodeConfig.WorkingDir)
	if err != nil {
		log.Fatal().Err(err).Msg("can't create service manager")
	}

	// The runner reports exits back to the launcher, but the launcher needs
	// the runner to start instances. The forwarder breaks the construction
	// cycle, it is pointed at the launcher once it exists.
	forwarder := &runStatusForwarder{}

	instanceRunner, err := runner.NewDockerRunner(forwarder)
	if err != nil {
		log.Fatal().Err(err).Msg("can't create docker runner")
	}

	instanceLauncher, err := launcher.New(nodeConfig.Launcher, serviceManager, instanceRunner,
		ocispec.NewLoader(), reporter, store, monitor, connectionEvents)
	if err != nil {
		log.Fatal().Err(err).Msg("can't create launcher")
	}

	forwarder.set(instanceLauncher)

	if err := instanceLauncher.Start(); err != nil {
		log.Fatal().Err(err).Msg("can't start launcher")
	}

	// ctx.Done() returns when SIGINT is called or cancel() is called.
	// calling cancel() unregisters the signal trapping.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// egCtx is cancelled if any function called with eg.Go() returns an error.
	eg, egCtx := errgroup.WithContext(ctx)

	routes := []api.Route{
		api.NewVersionHandler(),
		api.NewRunInstancesRoute(instanceLauncher),
		api.NewOverrideEnvVarsRoute(instanceLauncher),
		api.NewMonitoringRoute(monitor),
		api.NewCloudConnectionRoute(connectionEvents),
	}

	apiServer := &http.Server{
		Addr:    nodeConfig.APIAddr,
		Handler: api.NewRouter(routes, log),
	}

	eg.Go(serveFn(apiServer, "control-api"))

	// Wait for either os.Interrupt which triggers ctx.Done()
	// Or the API server to error, which triggers egCtx.Done()
	select {
	case <-egCtx.Done():
		log.Err(egCtx.Err()).Msg("sub-service errored: shutting down node agent")
		cancel()
	case <-ctx.Done():
		log.Info().Msg("Interrupt signal received; gracefully closing node agent")
	}

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Err(err).Msg("error on control-api shutdown")
	}

	if err := eg.Wait(); err != nil {
		log.Err(err).Msg("received error on eg.Wait()")
	}

	if err := instanceLauncher.Stop(); err != nil {
		log.Err(err).Msg("error stopping launcher")
	}

	monitor.Shutdown()

	if err := instanceRunner.Close(); err != nil {
		log.Err(err).Msg("error closing docker runner")
	}
}

// serveFn returns a callback suitable for eg.Go that runs the given server
// until shutdown.
func serveFn(srv *http.Server, name string) func() error {
	return func() error {
		log.Info().Msgf("Starting %s at %s", name, srv.Addr)

		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Err(err).Msgf("server %s closed with abnormal error", name)
			return err
		}

		return nil
	}
}

// runStatusForwarder relays runner status updates to a receiver attached
// after construction.
type runStatusForwarder struct {
	mu       sync.Mutex
	receiver runner.StatusReceiver
}

func (f *runStatusForwarder) set(receiver runner.StatusReceiver) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.receiver = receiver
}

func (f *runStatusForwarder) UpdateRunStatus(instances []runner.RunStatus) error {
	f.mu.Lock()
	receiver := f.receiver
	f.mu.Unlock()

	if receiver == nil {
		return nil
	}

	return receiver.UpdateRunStatus(instances)
}

// cloudReporter stands in for the cloud connector: run statuses and
// monitoring data end up in the agent log until a transport is attached.
type cloudReporter struct{}

func (r *cloudReporter) InstancesRunStatus(instances []cloudprotocol.InstanceStatus) error {
	for _, status := range instances {
		log.Info().
			Str("instance", status.InstanceIdent.String()).
			Str("state", string(status.RunState)).
			Msg("Instance run status")
	}

	return nil
}

func (r *cloudReporter) InstancesUpdateStatus(instances []cloudprotocol.InstanceStatus) error {
	for _, status := range instances {
		log.Info().
			Str("instance", status.InstanceIdent.String()).
			Str("state", string(status.RunState)).
			Msg("Instance update status")
	}

	return nil
}

func (r *cloudReporter) SendMonitoringData(data cloudprotocol.NodeMonitoringData) error {
	log.Debug().
		Str("node", data.NodeID).
		Float64("cpu", data.CPU).
		Uint64("ram", data.RAM).
		Msg("Node monitoring data")

	return nil
}
