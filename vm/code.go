package vm

import (
	"sync"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/object"
)

// loadedCode pairs immutable bytecode with its constants converted to
// runtime objects, so the evaluation loop never does conversions. Function
// references are resolved to callable values at load time.
type loadedCode struct {
	code   *bytecode.Code
	consts []object.Object
}

func loadCode(registry *bytecode.Registry, code *bytecode.Code) (*loadedCode, error) {
	consts := make([]object.Object, code.ConstantsCount())
	for i := range consts {
		switch v := code.Constant(i).(type) {
		case int64:
			consts[i] = object.NewInt(v)
		case float64:
			consts[i] = object.NewFloat(v)
		case string:
			consts[i] = object.NewString(v)
		case bool:
			consts[i] = object.NewBool(v)
		case nil:
			consts[i] = object.Nil
		case bytecode.FuncRef:
			target := registry.Lookup(v.ID)
			if target == nil {
				return nil, errz.InternalErrorf("constant references unknown function %d", v.ID)
			}
			consts[i] = object.NewFunction(target)
		default:
			return nil, errz.InternalErrorf("unsupported constant type %T", v)
		}
	}
	return &loadedCode{code: code, consts: consts}, nil
}

// loader caches loadedCode per FuncID. Loads happen once per function; the
// hot path is the read lock.
type loader struct {
	registry *bytecode.Registry
	mu       sync.RWMutex
	loaded   map[bytecode.FuncID]*loadedCode
}

func newLoader(registry *bytecode.Registry) *loader {
	return &loader{registry: registry, loaded: map[bytecode.FuncID]*loadedCode{}}
}

func (l *loader) load(code *bytecode.Code) (*loadedCode, error) {
	id := code.ID()
	l.mu.RLock()
	lc := l.loaded[id]
	l.mu.RUnlock()
	if lc != nil {
		return lc, nil
	}
	lc, err := loadCode(l.registry, code)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing := l.loaded[id]; existing != nil {
		return existing, nil
	}
	l.loaded[id] = lc
	return lc, nil
}

func (l *loader) invalidate(id bytecode.FuncID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loaded, id)
}
