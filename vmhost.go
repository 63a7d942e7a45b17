package vmhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/cryguy/vmhost/internal/bridge"
	"github.com/cryguy/vmhost/internal/channel"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/cryguy/vmhost/internal/engine"
	"github.com/cryguy/vmhost/internal/factory"
	"github.com/cryguy/vmhost/internal/jsvm"
	"github.com/cryguy/vmhost/internal/remote"
)

// Runtime hosts many VMs on one worker pool. It owns the native function
// registry, the engine and the channel router behind Host.remote.
type Runtime struct {
	cfg      Config
	registry *bridge.Registry
	engine   *engine.Engine
	router   *channel.Router

	mu        sync.Mutex
	factories []*factory.Factory
	clients   []*remote.Client
}

// New creates a Runtime with the given config.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vmhost: %w", err)
	}
	reg := bridge.NewRegistry()
	e := engine.New(cfg, reg)
	router := channel.NewRouter(e)
	if err := router.Install(reg); err != nil {
		e.Shutdown()
		return nil, err
	}
	return &Runtime{cfg: cfg, registry: reg, engine: e, router: router}, nil
}

// Register binds a native function id for every VM of the runtime.
func (r *Runtime) Register(id uint32, fn Handler) error {
	return r.registry.Register(id, fn)
}

// Spawn creates a VM. The caller owns the returned reference and drops it
// with Release.
func (r *Runtime) Spawn(name string) (*VM, error) {
	return r.engine.Spawn(name)
}

// Load runs programs on vm in order and waits for each to finish.
func (r *Runtime) Load(ctx context.Context, vm *VM, programs ...*Program) error {
	return r.engine.LoadAndWait(ctx, vm, programs...)
}

// Invoke calls a script function on vm and waits for its result.
func (r *Runtime) Invoke(ctx context.Context, vm *VM, name string, args ArgsBuilder) (Value, error) {
	return r.engine.Invoke(ctx, vm, name, args, name)
}

// Do runs fn against vm as one task.
func (r *Runtime) Do(ctx context.Context, vm *VM, fn func(*VM) error) error {
	return r.engine.Do(ctx, vm, fn, "do")
}

// NewFactory creates a VM factory. A capacity of zero or less uses the
// configured FactoryCapacity.
func (r *Runtime) NewFactory(capacity int, opts FactoryOptions) *Factory {
	if capacity <= 0 {
		capacity = r.cfg.FactoryCapacity
	}
	f := factory.New(r.engine, capacity, opts)
	r.mu.Lock()
	r.factories = append(r.factories, f)
	r.mu.Unlock()
	return f
}

// Route answers channels for dest with resp. Use channel.Wildcard as dest
// for a default route.
func (r *Runtime) Route(dest string, resp Responder) {
	r.router.Route(dest, resp)
}

// RouteRemote answers channels for dest through the remote server at url.
func (r *Runtime) RouteRemote(ctx context.Context, dest, url string) error {
	c, err := remote.Dial(ctx, url, r.cfg.Remote)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
	r.router.Route(dest, c)
	return nil
}

// RouteVM answers channels for dest by calling entry on vm.
func (r *Runtime) RouteVM(dest string, vm *VM, entry string) {
	r.router.Route(dest, &channel.VMResponder{Engine: r.engine, VM: vm, Entry: entry})
}

// Stats returns task pool counters.
func (r *Runtime) Stats() Stats { return r.engine.Stats() }

// Shutdown stops responders, factories and remote connections, destroys
// every VM and stops the pool.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	factories, clients := r.factories, r.clients
	r.factories, r.clients = nil, nil
	r.mu.Unlock()

	for _, f := range factories {
		f.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	r.router.Close()
	r.engine.Shutdown()
}

// Compile parses source without running it.
func Compile(name, source string) (*Program, error) { return jsvm.Compile(name, source) }

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return core.DefaultConfig() }

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) { return core.LoadConfig(path) }
