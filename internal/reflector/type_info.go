// Package reflector derives stable type names for event registration.
package reflector

import (
	"path"
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo describes a Go type by name. Name is qualified with the base
// package name ("orders.OrderPlaced") so that unrelated packages can declare
// events with the same struct name without colliding in the registry.
type TypeInfo struct {
	Name string
	Type reflect.Type
}

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	// check cache
	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	if t == nil {
		return TypeInfo{}
	}
	orig := t
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	name := t.Name()
	if pkg := path.Base(t.PkgPath()); pkg != "" && pkg != "." {
		name = pkg + "." + name
	}
	ti = TypeInfo{Name: name, Type: t}

	muCache.Lock()
	cache[orig] = ti
	muCache.Unlock()
	return ti
}
