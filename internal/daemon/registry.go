package daemon

import (
	"context"
	"sync/atomic"

	"github.com/kindling-ai/kindling/pkg/llm"
	"github.com/kindling-ai/kindling/pkg/toolserver"
)

// registryHolder lets the agent loop keep one dispatcher reference while
// config reloads swap the registry underneath it. Readers always see
// either the old or the new registry, never a mix.
type registryHolder struct {
	current atomic.Pointer[toolserver.Registry]
}

func newRegistryHolder(r *toolserver.Registry) *registryHolder {
	h := &registryHolder{}
	h.current.Store(r)
	return h
}

// Current returns the active registry.
func (h *registryHolder) Current() *toolserver.Registry {
	return h.current.Load()
}

// Swap installs a new registry and returns the previous one.
func (h *registryHolder) Swap(r *toolserver.Registry) *toolserver.Registry {
	return h.current.Swap(r)
}

func (h *registryHolder) ListToolsFor(servers []string) []llm.ToolDescriptor {
	return h.Current().ListToolsFor(servers)
}

func (h *registryHolder) ServerFor(tool string) (string, bool) {
	return h.Current().ServerFor(tool)
}

func (h *registryHolder) ValidateArgs(tool string, args map[string]interface{}) error {
	return h.Current().ValidateArgs(tool, args)
}

func (h *registryHolder) Execute(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	return h.Current().Execute(ctx, tool, args)
}
