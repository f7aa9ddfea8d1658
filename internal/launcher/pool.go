package launcher

import (
	"fmt"
	"sync"

	"github.com/aosedge/edgenode/internal/aoserrors"
)

// launchPool runs per-instance start/stop tasks on a fixed set of workers.
// The queue is sized to the worst-case simultaneous item count, so a full
// queue is a configuration bug, not a condition to recover from.
type launchPool struct {
	tasks   chan func()
	workers sync.WaitGroup
	pending sync.WaitGroup
}

func newLaunchPool(numWorkers, queueSize int) *launchPool {
	if numWorkers < 1 {
		numWorkers = 1
	}

	pool := &launchPool{
		tasks: make(chan func(), queueSize),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers.Add(1)

		go func() {
			defer pool.workers.Done()

			for task := range pool.tasks {
				task()
				pool.pending.Done()
			}
		}()
	}

	return pool
}

func (p *launchPool) addTask(task func()) error {
	p.pending.Add(1)

	select {
	case p.tasks <- task:
		return nil
	default:
		p.pending.Done()
		return fmt.Errorf("%w: launch queue full", aoserrors.ErrNoMemory)
	}
}

// wait blocks until every queued task has finished.
func (p *launchPool) wait() {
	p.pending.Wait()
}

// shutdown waits for queued tasks and stops the workers.
func (p *launchPool) shutdown() {
	p.pending.Wait()
	close(p.tasks)
	p.workers.Wait()
}
