package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var (
	ErrNoType    = errors.New("script type not loaded")
	ErrNoHandler = errors.New("script handler not defined")
)

// Engine wraps a single gopher-lua VM running gameplay scripts.
// Single-goroutine access only (simulation loop).
//
// A script type is a global table named after the type; its functions are
// the handlers. Each entity gets an instance table {id = <LocalID>} whose
// metatable indexes the type table, so handlers are called as methods:
//
//	Enemy = {}
//	function Enemy:OnHit(damage, attacker) ... end
type Engine struct {
	vm        *lua.LState
	instances map[identity.LocalID]*lua.LTable
	metas     map[string]*lua.LTable
	api       API
	log       *zap.Logger
}

// NewEngine creates a Lua VM with the standard libraries.
func NewEngine(log *zap.Logger) *Engine {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	// Set API version global
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	return &Engine{
		vm:        vm,
		instances: make(map[identity.LocalID]*lua.LTable, 256),
		metas:     make(map[string]*lua.LTable),
		log:       log.Named("lua"),
	}
}

// LoadFile runs one script file.
func (e *Engine) LoadFile(path string) error {
	if err := e.vm.DoFile(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	e.log.Debug("loaded lua script", zap.String("file", path))
	return nil
}

// LoadString runs a script held in memory. name is used in error messages.
func (e *Engine) LoadString(name, src string) error {
	fn, err := e.vm.LoadString(src)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	e.vm.Push(fn)
	if err := e.vm.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// LoadDir loads all .lua files in a directory. A missing directory is not
// an error.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		if err := e.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// HasType reports whether a script defined the global table typeName.
func (e *Engine) HasType(typeName string) bool {
	_, ok := e.vm.GetGlobal(typeName).(*lua.LTable)
	return ok
}

// HasHandler reports whether typeName defines method.
func (e *Engine) HasHandler(typeName, method string) bool {
	t, ok := e.vm.GetGlobal(typeName).(*lua.LTable)
	if !ok {
		return false
	}
	_, ok = t.RawGetString(method).(*lua.LFunction)
	return ok
}

// Invoke calls typeName's method on the instance table of local with args.
func (e *Engine) Invoke(typeName, method string, local identity.LocalID, args []value.Value) error {
	t, ok := e.vm.GetGlobal(typeName).(*lua.LTable)
	if !ok {
		return fmt.Errorf("%s: %w", typeName, ErrNoType)
	}
	fn, ok := t.RawGetString(method).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%s.%s: %w", typeName, method, ErrNoHandler)
	}

	params := make([]lua.LValue, 0, len(args)+1)
	params = append(params, e.instance(typeName, t, local))
	for _, a := range args {
		params = append(params, e.toLua(a))
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, params...); err != nil {
		return fmt.Errorf("%s.%s: %w", typeName, method, err)
	}
	return nil
}

// InvokeOptional is Invoke that treats a missing method as a no-op.
func (e *Engine) InvokeOptional(typeName, method string, local identity.LocalID) error {
	if !e.HasHandler(typeName, method) {
		return nil
	}
	return e.Invoke(typeName, method, local, nil)
}

func (e *Engine) instance(typeName string, t *lua.LTable, local identity.LocalID) *lua.LTable {
	if inst, ok := e.instances[local]; ok {
		return inst
	}
	meta, ok := e.metas[typeName]
	if !ok {
		meta = e.vm.NewTable()
		meta.RawSetString("__index", t)
		e.metas[typeName] = meta
	}
	inst := e.vm.NewTable()
	inst.RawSetString("id", lua.LNumber(local))
	e.vm.SetMetatable(inst, meta)
	e.instances[local] = inst
	return inst
}

// Release forgets the instance table of a destroyed entity.
func (e *Engine) Release(local identity.LocalID) {
	delete(e.instances, local)
}

// Instances returns the number of live instance tables.
func (e *Engine) Instances() int {
	return len(e.instances)
}

// Global returns a global as a Go value, for tests and diagnostics.
func (e *Engine) Global(name string) any {
	return fromLua(e.vm.GetGlobal(name))
}

func (e *Engine) Close() {
	e.vm.Close()
}

func (e *Engine) toLua(v value.Value) lua.LValue {
	switch v.Kind() {
	case value.KindBool:
		return lua.LBool(v.Bool())
	case value.KindString:
		return lua.LString(v.Str())
	case value.KindVector3:
		vec := v.Vector3()
		t := e.vm.NewTable()
		t.RawSetString("x", lua.LNumber(vec[0]))
		t.RawSetString("y", lua.LNumber(vec[1]))
		t.RawSetString("z", lua.LNumber(vec[2]))
		return t
	case value.KindInvalid:
		return lua.LNil
	}
	n, _ := v.Number()
	return lua.LNumber(n)
}

// fromLua converts a script value to a plain Go value that value.Convert
// accepts: float64, bool, string, []any for {x,y,z} tables, nil otherwise.
func fromLua(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LNumber:
		return float64(v)
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		x, y, z := v.RawGetString("x"), v.RawGetString("y"), v.RawGetString("z")
		if x == lua.LNil {
			x, y, z = v.RawGetInt(1), v.RawGetInt(2), v.RawGetInt(3)
		}
		return []any{lNum(x), lNum(y), lNum(z)}
	}
	return nil
}

func lNum(v lua.LValue) float64 {
	return float64(lua.LVAsNumber(v))
}
