package scripting

import (
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// API is the networking surface exposed to scripts. Arguments arrive as the
// plain Go values produced by fromLua; the implementation converts them to
// the declared kinds.
type API interface {
	SetField(local identity.LocalID, field string, v any) error
	GetField(local identity.LocalID, field string) (value.Value, bool)
	Notify(local identity.LocalID, field string) bool
	Trigger(local identity.LocalID, event string, args []any) bool
	TriggerNetwork(id identity.NetworkID, event string, args []any) bool
	Spawn(prefab, spawnPoint string) (identity.LocalID, error)
	DestroyEntity(local identity.LocalID) error
	DestroyNetwork(id identity.NetworkID) error
	IsHost() bool
	NetworkID(local identity.LocalID) (identity.NetworkID, bool)
}

// Bind installs the Net, NetEvents and NetScene tables backed by api.
//
//	Net.set(self, "hp", 10)        Net.get(self, "hp")      Net.notify(self, "hp")
//	NetEvents.trigger(self, "Hit", 25.0, 0)
//	NetEvents.trigger_network(net_id, "Hit", 25.0, 0)
//	NetScene.instantiate("grunt", "north_gate")   NetScene.destroy(self)
//	NetScene.destroy_network(net_id)   NetScene.is_host()   NetScene.network_id(self)
//
// Entity arguments accept an instance table or a LocalID number.
func (e *Engine) Bind(api API) {
	e.api = api
	L := e.vm

	net := L.NewTable()
	L.SetFuncs(net, map[string]lua.LGFunction{
		"set":    e.luaSet,
		"get":    e.luaGet,
		"notify": e.luaNotify,
	})
	L.SetGlobal("Net", net)

	events := L.NewTable()
	L.SetFuncs(events, map[string]lua.LGFunction{
		"trigger":         e.luaTrigger,
		"trigger_network": e.luaTriggerNetwork,
	})
	L.SetGlobal("NetEvents", events)

	scene := L.NewTable()
	L.SetFuncs(scene, map[string]lua.LGFunction{
		"instantiate":     e.luaInstantiate,
		"destroy":         e.luaDestroy,
		"destroy_network": e.luaDestroyNetwork,
		"is_host":         e.luaIsHost,
		"network_id":      e.luaNetworkID,
	})
	L.SetGlobal("NetScene", scene)
}

func checkEntity(L *lua.LState, n int) identity.LocalID {
	switch v := L.Get(n).(type) {
	case *lua.LTable:
		return identity.LocalID(lua.LVAsNumber(v.RawGetString("id")))
	case lua.LNumber:
		return identity.LocalID(v)
	}
	L.ArgError(n, "entity expected")
	return 0
}

func restArgs(L *lua.LState, from int) []any {
	top := L.GetTop()
	if top < from {
		return nil
	}
	out := make([]any, 0, top-from+1)
	for i := from; i <= top; i++ {
		out = append(out, fromLua(L.Get(i)))
	}
	return out
}

func (e *Engine) luaSet(L *lua.LState) int {
	local := checkEntity(L, 1)
	field := L.CheckString(2)
	if err := e.api.SetField(local, field, fromLua(L.Get(3))); err != nil {
		e.log.Warn("Net.set 失敗", zap.Uint32("local_id", uint32(local)), zap.String("field", field), zap.Error(err))
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *Engine) luaGet(L *lua.LState) int {
	local := checkEntity(L, 1)
	field := L.CheckString(2)
	v, ok := e.api.GetField(local, field)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(e.toLua(v))
	return 1
}

func (e *Engine) luaNotify(L *lua.LState) int {
	local := checkEntity(L, 1)
	field := L.CheckString(2)
	L.Push(lua.LBool(e.api.Notify(local, field)))
	return 1
}

func (e *Engine) luaTrigger(L *lua.LState) int {
	local := checkEntity(L, 1)
	name := L.CheckString(2)
	L.Push(lua.LBool(e.api.Trigger(local, name, restArgs(L, 3))))
	return 1
}

func (e *Engine) luaTriggerNetwork(L *lua.LState) int {
	id := identity.NetworkID(L.CheckNumber(1))
	name := L.CheckString(2)
	L.Push(lua.LBool(e.api.TriggerNetwork(id, name, restArgs(L, 3))))
	return 1
}

func (e *Engine) luaInstantiate(L *lua.LState) int {
	prefab := L.CheckString(1)
	point := L.CheckString(2)
	local, err := e.api.Spawn(prefab, point)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(local))
	return 1
}

func (e *Engine) luaDestroy(L *lua.LState) int {
	local := checkEntity(L, 1)
	if err := e.api.DestroyEntity(local); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *Engine) luaDestroyNetwork(L *lua.LState) int {
	id := identity.NetworkID(L.CheckNumber(1))
	if err := e.api.DestroyNetwork(id); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *Engine) luaIsHost(L *lua.LState) int {
	L.Push(lua.LBool(e.api.IsHost()))
	return 1
}

func (e *Engine) luaNetworkID(L *lua.LState) int {
	local := checkEntity(L, 1)
	id, ok := e.api.NetworkID(local)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(id))
	return 1
}
