package registry

import (
	"context"
	"sync"
)

// LifecycleHook defines a hook that runs when collection sync is enabled or disabled.
// Hooks are called synchronously during enable/disable operations.
type LifecycleHook interface {
	// OnEnable is called when remote sync is being enabled for a collection.
	// If this hook returns an error, the enable operation fails.
	OnEnable(ctx context.Context, collection string) error

	// OnDisable is called when remote sync is being disabled for a collection.
	// If this hook returns an error, the disable operation fails.
	OnDisable(ctx context.Context, collection string) error
}

// LifecycleHookFunc adapts plain functions to LifecycleHook.
type LifecycleHookFunc struct {
	OnEnableFunc  func(ctx context.Context, collection string) error
	OnDisableFunc func(ctx context.Context, collection string) error
}

// OnEnable calls the OnEnableFunc if it's not nil.
func (f LifecycleHookFunc) OnEnable(ctx context.Context, collection string) error {
	if f.OnEnableFunc != nil {
		return f.OnEnableFunc(ctx, collection)
	}
	return nil
}

// OnDisable calls the OnDisableFunc if it's not nil.
func (f LifecycleHookFunc) OnDisable(ctx context.Context, collection string) error {
	if f.OnDisableFunc != nil {
		return f.OnDisableFunc(ctx, collection)
	}
	return nil
}

// LifecycleManager manages lifecycle hooks for collections.
type LifecycleManager struct {
	mu    sync.RWMutex
	hooks []LifecycleHook
}

// NewLifecycleManager creates a new lifecycle manager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		hooks: make([]LifecycleHook, 0),
	}
}

// RegisterHook registers a hook. Hooks are executed in registration order.
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.hooks = append(lm.hooks, hook)
}

// ExecuteEnableHooks executes all registered enable hooks in order.
// If any hook returns an error, execution stops and the error is returned.
func (lm *LifecycleManager) ExecuteEnableHooks(ctx context.Context, collection string) error {
	for _, hook := range lm.snapshot() {
		if err := hook.OnEnable(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteDisableHooks executes all registered disable hooks in order.
// If any hook returns an error, execution stops and the error is returned.
func (lm *LifecycleManager) ExecuteDisableHooks(ctx context.Context, collection string) error {
	for _, hook := range lm.snapshot() {
		if err := hook.OnDisable(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}

// HookCount returns the number of registered hooks.
func (lm *LifecycleManager) HookCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.hooks)
}

func (lm *LifecycleManager) snapshot() []LifecycleHook {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	hooks := make([]LifecycleHook, len(lm.hooks))
	copy(hooks, lm.hooks)
	return hooks
}
