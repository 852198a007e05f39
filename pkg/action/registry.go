package action

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// ErrNoMatch is returned when no registered action claims a message.
var ErrNoMatch = errors.New("no action matched the message")

// Registry keeps track of registered actions and routes messages to them.
// Actions are consulted in registration order; the first one whose Validate
// returns true handles the message.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	defaults  IsolationPolicy
}

type instance struct {
	Action Action
	Info   Info
	Config map[string]any
	Policy IsolationPolicy
	Source string
}

// NewRegistry constructs a registry using the supplied configuration and options.
func NewRegistry(cfg RegistryConfig, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.isolation = NewIsolationStrategy(r.isolation)
	if err := r.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Register registers an action instance directly with the registry.
func (r *Registry) Register(id string, a Action, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("action id cannot be empty")
	}
	if a == nil {
		return errors.New("action implementation cannot be nil")
	}
	info := a.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("action id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(r.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := r.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := a.Configure(cfg); err != nil {
		return fmt.Errorf("configure action %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.registry[id]; exists {
		return fmt.Errorf("action %s already registered", id)
	}
	r.registry[id] = &instance{Action: a, Info: mergeInfo(info, id), Config: cfg, Policy: policy, Source: "manual"}
	r.order = append(r.order, id)
	return nil
}

// Load loads an action implementation from disk and registers it with the registry.
func (r *Registry) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("action path cannot be empty")
	}
	a, err := r.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load action from %s: %w", path, err)
	}
	return r.Register(id, a, cfg, policy)
}

// Match returns the id of the first action claiming the message.
func (r *Registry) Match(ctx context.Context, msg Message) (string, error) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	for _, id := range ids {
		inst, err := r.get(id)
		if err != nil {
			continue
		}
		ok, err := safeValidate(ctx, inst.Action, msg)
		if err != nil {
			return "", fmt.Errorf("validate action %s: %w", id, err)
		}
		if ok {
			return id, nil
		}
	}
	return "", ErrNoMatch
}

// Dispatch routes the message to the first matching action and executes it.
// It returns the handling action's id alongside the outcome.
func (r *Registry) Dispatch(ctx context.Context, msg Message) (*Outcome, string, error) {
	id, err := r.Match(ctx, msg)
	if err != nil {
		return nil, "", err
	}
	outcome, err := r.Handle(ctx, id, msg)
	return outcome, id, err
}

// Handle executes a specific action by id with panic isolation.
func (r *Registry) Handle(ctx context.Context, id string, msg Message) (*Outcome, error) {
	inst, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if err := r.isolation.Prepare(inst.Info); err != nil {
		return nil, fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	defer func() { _ = r.isolation.Cleanup(inst.Info) }()
	return safeHandle(ctx, inst.Action, msg)
}

// Describe returns the metadata of a registered action.
func (r *Registry) Describe(id string) (Info, error) {
	inst, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	return inst.Info, nil
}

// IDs returns the registered action ids in routing order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) get(id string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.registry[id]
	if !ok {
		return nil, fmt.Errorf("action %s not registered", id)
	}
	return inst, nil
}

func (r *Registry) loadConfigured(cfg RegistryConfig) error {
	for id, actionCfg := range cfg.Actions {
		if !actionCfg.Enabled {
			continue
		}
		path := actionCfg.Path
		if !filepath.IsAbs(path) && cfg.ActionDir != "" {
			path = filepath.Join(cfg.ActionDir, path)
		}
		policy := MergePolicies(cfg.Defaults, actionCfg.Policy)
		if err := r.Load(id, path, cloneConfig(actionCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

// safeValidate shields the registry from panicking Validate implementations.
func safeValidate(ctx context.Context, a Action, msg Message) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = fmt.Errorf("action validate panicked: %v", rec)
		}
	}()
	return a.Validate(ctx, msg)
}

// safeHandle shields the registry from panicking Handle implementations.
func safeHandle(ctx context.Context, a Action, msg Message) (outcome *Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = nil
			err = fmt.Errorf("action handle panicked: %v", rec)
		}
	}()
	return a.Handle(ctx, msg)
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
