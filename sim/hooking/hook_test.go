package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingHook struct {
	items []any
}

func (h *countingHook) Func(ctx HookCtx) {
	h.items = append(h.items, ctx.Item)
}

var _ = Describe("HookableBase", func() {
	var (
		domain *HookableBase
		pos    *HookPos
	)

	BeforeEach(func() {
		domain = new(HookableBase)
		pos = &HookPos{Name: "Test"}
	})

	It("should invoke hooks in registration order", func() {
		var order []int
		domain.AcceptHook(HookFunc(func(HookCtx) { order = append(order, 1) }))
		domain.AcceptHook(HookFunc(func(HookCtx) { order = append(order, 2) }))

		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos})

		Expect(order).To(Equal([]int{1, 2}))
		Expect(domain.NumHooks()).To(Equal(2))
	})

	It("should pass the context through", func() {
		hook := &countingHook{}
		domain.AcceptHook(hook)

		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos, Item: 7})

		Expect(hook.items).To(Equal([]any{7}))
	})

	It("should reject the same hook twice", func() {
		hook := &countingHook{}
		domain.AcceptHook(hook)

		Expect(func() { domain.AcceptHook(hook) }).To(Panic())
	})

	It("should remove a hook", func() {
		hook := &countingHook{}
		domain.AcceptHook(hook)
		domain.RemoveHook(hook)
		domain.RemoveHook(hook)

		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos})

		Expect(hook.items).To(BeEmpty())
		Expect(domain.NumHooks()).To(BeZero())
	})

	It("should let a hook remove itself while invoked", func() {
		calls := 0

		var self Hook
		self = &selfRemovingHook{domain: domain, calls: &calls, self: &self}
		domain.AcceptHook(self)
		other := &countingHook{}
		domain.AcceptHook(other)

		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos})
		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos})

		Expect(calls).To(Equal(1))
		Expect(other.items).To(HaveLen(2))
	})
})

type selfRemovingHook struct {
	domain *HookableBase
	calls  *int
	self   *Hook
}

func (h *selfRemovingHook) Func(HookCtx) {
	*h.calls++
	h.domain.RemoveHook(*h.self)
}
