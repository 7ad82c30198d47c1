// Package script runs an optional user Lua script that reacts to terminal
// reconcile outcomes.
package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/vkuzn/groupsyncd/internal/storage/kv"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// Work is a unit of execution on the Lua VM. All Lua execution goes through
// the work queue to keep the VM single-threaded.
type Work func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L  *lua.LState
	kv *kv.Manager

	mu    sync.Mutex
	hooks []*lua.LFunction

	// Work queue for thread-safe Lua execution
	workQueue chan Work

	// Shutdown signaling - closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a new Lua runtime with the groupsyncd modules preloaded.
func NewRuntime(kvManager *kv.Manager) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		L:         L,
		kv:        kvManager,
		workQueue: make(chan Work, 100),
		closing:   make(chan struct{}),
	}

	L.PreloadModule("log", logLoader)
	L.PreloadModule("kv", r.kvLoader)
	L.PreloadModule("groupsync", r.groupsyncLoader)

	return r
}

// LoadScript executes the user script, which typically registers hooks.
func (r *Runtime) LoadScript(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load script %s: %w", path, err)
	}
	log.Info().Str("script", path).Msg("Lua script loaded")
	return nil
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking).
// Returns false if the runtime is closing or the queue is full.
func (r *Runtime) Do(work Work) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// Run processes queued Lua work until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	log.Info().Msg("Lua runtime started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Lua runtime stopping")
			return nil
		case <-r.closing:
			return ErrRuntimeClosed
		case work := <-r.workQueue:
			work(ctx)
		}
	}
}

// Close signals the runtime to stop accepting new work and closes the Lua state.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	r.L.Close()
}

// NotifyResult queues hook invocations for a terminal reconcile outcome.
func (r *Runtime) NotifyResult(data map[string]any) {
	r.mu.Lock()
	hooks := make([]*lua.LFunction, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	if len(hooks) == 0 {
		return
	}

	r.Do(func(ctx context.Context) {
		arg := mapToTable(r.L, data)
		for _, hook := range hooks {
			if err := r.L.CallByParam(lua.P{
				Fn:      hook,
				NRet:    0,
				Protect: true,
			}, arg); err != nil {
				log.Error().Err(err).Msg("Lua result hook failed")
			}
		}
	})
}

// groupsyncLoader exposes hook registration to Lua.
func (r *Runtime) groupsyncLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "on_result", L.NewFunction(r.onResult))
	L.Push(mod)
	return 1
}

func (r *Runtime) onResult(L *lua.LState) int {
	fn := L.CheckFunction(1)

	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()

	log.Debug().Int("hooks", len(r.hooks)).Msg("Lua result hook registered")
	return 0
}
