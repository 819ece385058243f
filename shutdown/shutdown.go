// Package shutdown coordinates the demo daemon's exit. Hooks run one at a
// time in priority order under a single shared deadline, so the engine's
// busy-lock drain finishes before anything that depends on it is torn
// down, and the first failure is reported back to whoever initiated the
// shutdown instead of disappearing into the log.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mantisdb/snapcluster/logging"
)

type hook struct {
	name     string
	priority int
	fn       func(ctx context.Context) error
}

// Manager runs registered hooks sequentially, lowest priority number
// first, when the process is asked to stop by signal or by an explicit
// Shutdown call.
type Manager struct {
	log     *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []hook

	once sync.Once
	done chan struct{}
	err  error
}

// NewManager creates a shutdown manager whose whole hook sequence must
// finish within timeout.
func NewManager(log *logging.Logger, timeout time.Duration) *Manager {
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a hook. Registration order breaks ties between equal
// priorities.
func (m *Manager) Register(name string, priority int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, priority: priority, fn: fn})
}

// Listen arranges for the first SIGINT or SIGTERM to trigger Shutdown. The
// listener goroutine exits once a shutdown has run, however it was
// initiated.
func (m *Manager) Listen() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			m.log.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
			m.Shutdown()
		case <-m.done:
		}
	}()
}

// Shutdown runs every hook exactly once, in priority order, and returns
// the first hook failure or the deadline error if the sequence ran out of
// time. Repeat calls return the result of the first run.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.runHooks()
		close(m.done)
	})
	<-m.done
	return m.err
}

// Wait blocks until a shutdown initiated elsewhere (a signal, another
// goroutine) has finished, and reports its result.
func (m *Manager) Wait() error {
	<-m.done
	return m.err
}

// runHooks executes the hooks one at a time. Each hook receives the shared
// deadline context; a hook that outlives the deadline is abandoned and the
// remaining hooks are skipped, since whatever they would tear down still
// has work pinned under the stuck hook.
func (m *Manager) runHooks() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })

	m.log.Info("starting graceful shutdown", map[string]interface{}{"hooks": len(hooks)})

	var firstErr error
	for _, h := range hooks {
		start := time.Now()
		errCh := make(chan error, 1)
		go func(h hook) { errCh <- h.fn(ctx) }(h)

		select {
		case err := <-errCh:
			if err != nil {
				m.log.Error("shutdown hook failed", map[string]interface{}{"hook": h.name, "cause": err.Error()})
				if firstErr == nil {
					firstErr = fmt.Errorf("shutdown hook %s: %w", h.name, err)
				}
				continue
			}
			m.log.Info("shutdown hook completed", map[string]interface{}{"hook": h.name, "elapsed": time.Since(start).String()})
		case <-ctx.Done():
			m.log.Warn("shutdown deadline reached, abandoning remaining hooks", map[string]interface{}{"stuck_hook": h.name})
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown hook %s: %w", h.name, ctx.Err())
			}
			return firstErr
		}
	}
	return firstErr
}
