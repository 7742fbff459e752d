package querycache

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
)

// maxSupersededRetries bounds how often Get re-resolves after its fetch was
// superseded by an invalidation or a dependency change.
const maxSupersededRetries = 3

// ResolveFunc loads a query's value given the values of its dependencies, in
// the order they were declared.
type ResolveFunc func(ctx context.Context, inputs []any) (any, error)

// Handle is a registered query. Its cache key is the query name, the static key
// arguments and the values of its dependencies.
type Handle struct {
	cache   *Cache
	name    string
	keyArgs []any
	resolve ResolveFunc
	deps    []*Handle

	mu    sync.Mutex
	bound *Key
}

// Register declares a query. The query is enabled only once every handle in
// dependsOn has resolved to a non-empty value.
func (c *Cache) Register(name string, keyArgs []any, resolve ResolveFunc, dependsOn ...*Handle) *Handle {
	return &Handle{
		cache:   c,
		name:    name,
		keyArgs: append([]any(nil), keyArgs...),
		resolve: resolve,
		deps:    dependsOn,
	}
}

// Name returns the query name.
func (h *Handle) Name() string { return h.name }

func (h *Handle) key(inputs []any) Key {
	args := make([]any, 0, len(h.keyArgs)+len(inputs))
	args = append(args, h.keyArgs...)
	args = append(args, inputs...)
	return NewKey(h.name, args...)
}

func (h *Handle) fetcher(inputs []any) FetchFunc {
	return func(ctx context.Context) (any, error) {
		return h.resolve(ctx, inputs)
	}
}

// rebind records key as the handle's current key. A fetch still running for
// the previous key is abandoned so that it cannot land after the switch.
func (h *Handle) rebind(key Key) {
	h.mu.Lock()
	prev := h.bound
	h.bound = &key
	h.mu.Unlock()
	if prev != nil && *prev != key {
		h.cache.Supersede(*prev)
	}
}

// State returns the query's tagged state without blocking. Dependencies are
// peeked first; a dependency that is pending, errored or empty leaves this
// query Disabled rather than Errored.
func (h *Handle) State() State {
	inputs := make([]any, len(h.deps))
	for i, dep := range h.deps {
		st := dep.State()
		if !st.HasValue() || isEmpty(st.Value) {
			return State{Status: StatusDisabled}
		}
		inputs[i] = st.Value
	}
	key := h.key(inputs)
	h.rebind(key)
	return h.cache.Peek(key, h.fetcher(inputs))
}

// Get resolves dependencies, then returns the query's value, waiting for a
// fetch if needed. A dependency that fails or resolves empty yields an error
// wrapping ErrNotEnabled and the dependency's own error.
func (h *Handle) Get(ctx context.Context) (any, error) {
	for attempt := 0; ; attempt++ {
		inputs := make([]any, len(h.deps))
		for i, dep := range h.deps {
			v, err := dep.Get(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %s waits on %s: %w", ErrNotEnabled, h.name, dep.name, err)
			}
			if isEmpty(v) {
				return nil, fmt.Errorf("%w: %s waits on %s", ErrNotEnabled, h.name, dep.name)
			}
			inputs[i] = v
		}
		key := h.key(inputs)
		h.rebind(key)
		v, err := h.cache.Fetch(ctx, key, h.fetcher(inputs))
		if errors.Is(err, ErrSuperseded) && attempt < maxSupersededRetries && ctx.Err() == nil {
			continue
		}
		return v, err
	}
}

// Invalidate invalidates the handle's current key.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	bound := h.bound
	h.mu.Unlock()
	if bound == nil {
		return
	}
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	if e, ok := h.cache.entries[*bound]; ok {
		h.cache.invalidateLocked(*bound, e)
	}
}

// Get is a typed Handle.Get.
func Get[T any](ctx context.Context, h *Handle) (T, error) {
	var zero T
	v, err := h.Get(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("querycache: %s returned %T", h.name, v)
	}
	return typed, nil
}

// isEmpty reports whether v cannot serve as a dependency input: nil, a zero
// big integer, a zero scalar or array (such as the zero address), or an empty
// collection.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if b, ok := v.(*big.Int); ok {
		return b == nil || b.Sign() == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	case reflect.Map, reflect.Slice:
		return rv.IsNil() || rv.Len() == 0
	case reflect.String:
		return rv.Len() == 0
	case reflect.Struct:
		return false
	default:
		return rv.IsZero()
	}
}
