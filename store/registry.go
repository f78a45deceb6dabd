package store

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry is the process-level map from "{env}/{project}" to a
// dedicated store handle (§5): created lazily on first use, one handle
// per deployment, torn down together on Close.
type Registry struct {
	mu       sync.Mutex
	handles  sync.Map // string -> *DB
	pathFunc func(env, project string) string
	logger   *zap.Logger
}

// NewRegistry creates a registry that opens a handle for "{env}/{project}"
// lazily using pathFunc to compute the SQLite file path (or "" for an
// in-memory store) the first time that key is requested.
func NewRegistry(pathFunc func(env, project string) string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{pathFunc: pathFunc, logger: logger}
}

func registryKey(env, project string) string {
	return fmt.Sprintf("%s/%s", env, project)
}

// Get returns the handle for (env, project), opening it on first use.
func (r *Registry) Get(env, project string) (*DB, error) {
	key := registryKey(env, project)
	if v, ok := r.handles.Load(key); ok {
		return v.(*DB), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.handles.Load(key); ok {
		return v.(*DB), nil
	}

	db, err := Open(r.pathFunc(env, project), r.logger.With(zap.String("store_key", key)))
	if err != nil {
		return nil, err
	}
	r.handles.Store(key, db)
	return db, nil
}

// Close tears down every handle opened through this registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	r.handles.Range(func(key, v any) bool {
		if err := v.(*DB).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.handles.Delete(key)
		return true
	})
	return firstErr
}
