package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
)

const instanceLabel = "edgenode_instance_id"

// DockerRunner runs each instance as a docker container tagged with its
// instance ID. Container exits are watched and reported back through the
// status receiver.
type DockerRunner struct {
	client   *client.Client
	receiver StatusReceiver

	mu       sync.Mutex
	stopping map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Runner = (*DockerRunner)(nil)

func NewDockerRunner(receiver StatusReceiver) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &DockerRunner{
		client:   cli,
		receiver: receiver,
		stopping: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (r *DockerRunner) StartInstance(instanceID string, params StartParams) RunStatus {
	mounts := make([]mount.Mount, 0, 2)
	if params.StoragePath != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: params.StoragePath, Target: "/storage"})
	}
	if params.StatePath != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: params.StatePath, Target: "/state"})
	}

	createResp, err := r.client.ContainerCreate(r.ctx, &container.Config{
		Image: params.Image,
		Env:   params.Env,
		User:  fmt.Sprintf("%d", params.UID),
		Labels: map[string]string{
			instanceLabel: instanceID,
		},
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, nil, "")
	if err != nil {
		return RunStatus{InstanceID: instanceID, State: cloudprotocol.InstanceStateFailed, Err: err}
	}

	err = r.client.ContainerStart(r.ctx, createResp.ID, container.StartOptions{})
	if err != nil {
		return RunStatus{InstanceID: instanceID, State: cloudprotocol.InstanceStateFailed, Err: err}
	}

	log.Info().Msgf("Started container %s for instance %s", createResp.ID, instanceID)

	r.wg.Add(1)
	go r.watchContainer(instanceID, createResp.ID)

	return RunStatus{InstanceID: instanceID, State: cloudprotocol.InstanceStateActive}
}

func (r *DockerRunner) StopInstance(instanceID string) error {
	r.mu.Lock()
	r.stopping[instanceID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.stopping, instanceID)
		r.mu.Unlock()
	}()

	ctr, err := r.findContainer(instanceID)
	if err != nil {
		return err
	}

	if err = r.client.ContainerStop(r.ctx, ctr.ID, container.StopOptions{}); err != nil {
		return err
	}

	return r.client.ContainerRemove(r.ctx, ctr.ID, container.RemoveOptions{})
}

// Close stops exit watching. Running containers are left alone so they
// survive an agent restart.
func (r *DockerRunner) Close() error {
	r.cancel()
	r.wg.Wait()

	return r.client.Close()
}

func (r *DockerRunner) findContainer(instanceID string) (*types.Container, error) {
	ctrs, err := r.client.ContainerList(r.ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}

	for i, c := range ctrs {
		if id, ok := c.Labels[instanceLabel]; ok && id == instanceID {
			return &ctrs[i], nil
		}
	}

	return nil, fmt.Errorf("%w: no container for instance %s", aoserrors.ErrNotFound, instanceID)
}

func (r *DockerRunner) watchContainer(instanceID, containerID string) {
	defer r.wg.Done()

	statusCh, errCh := r.client.ContainerWait(r.ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-r.ctx.Done():
		return
	case err := <-errCh:
		log.Error().Err(err).Msgf("Error waiting for container %s", containerID)
		return
	case status := <-statusCh:
		r.mu.Lock()
		stopping := r.stopping[instanceID]
		r.mu.Unlock()

		// A stop requested through StopInstance is not a state transition
		// worth reporting, the launcher initiated it.
		if stopping {
			return
		}

		runErr := fmt.Errorf("instance exited with code %d", status.StatusCode)

		err := r.receiver.UpdateRunStatus([]RunStatus{{
			InstanceID: instanceID,
			State:      cloudprotocol.InstanceStateFailed,
			Err:        runErr,
		}})
		if err != nil {
			log.Error().Err(err).Msgf("Error reporting exit of instance %s", instanceID)
		}
	}
}
