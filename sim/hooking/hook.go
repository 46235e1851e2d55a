// Package hooking lets observers attach to well-defined positions of the
// dispatch loop without the loop knowing who is watching.
package hooking

import "sync"

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// RemoveHook unregisters a hook. Removing an unknown hook is a no-op.
	RemoveHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f(ctx).
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface. Hooks may be registered from goroutines other than
// the one invoking them, e.g., a monitor attaching while a run is in progress.
type HookableBase struct {
	lock     sync.RWMutex
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.hookList)
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.mustNotHaveDuplicatedHook(hook)

	list := make([]Hook, len(h.hookList), len(h.hookList)+1)
	copy(list, h.hookList)
	h.hookList = append(list, hook)
}

func (h *HookableBase) mustNotHaveDuplicatedHook(hook Hook) {
	for _, registered := range h.hookList {
		if isSameHook(registered, hook) {
			panic("duplicated hook")
		}
	}
}

// RemoveHook unregisters a hook.
func (h *HookableBase) RemoveHook(hook Hook) {
	h.lock.Lock()
	defer h.lock.Unlock()

	list := make([]Hook, 0, len(h.hookList))
	for _, registered := range h.hookList {
		if !isSameHook(registered, hook) {
			list = append(list, registered)
		}
	}

	h.hookList = list
}

// InvokeHook triggers the register Hooks. The list is copied on write, so a
// hook may add or remove hooks while being invoked.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.lock.RLock()
	list := h.hookList
	h.lock.RUnlock()

	for _, hook := range list {
		hook.Func(ctx)
	}
}

// HookFunc values are not comparable, so they are never treated as
// duplicates of each other.
func isSameHook(a, b Hook) bool {
	if _, ok := a.(HookFunc); ok {
		return false
	}

	if _, ok := b.(HookFunc); ok {
		return false
	}

	return a == b
}
