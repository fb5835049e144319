// Package tools implements the Tool Registry & Runner: registration of tool
// definitions, JSON-Schema validation of arguments, capability-based
// permission enforcement, and sandboxed dispatch with deadline and output
// size limits. See spec §3 (Tool Definition) and §4.4.
package tools

import (
	"encoding/json"

	"github.com/reploid-dev/reploid/vfs"
)

// CapabilityKind enumerates the fixed vocabulary a tool may declare, per
// spec §3: {read_vfs, write_vfs(prefix_set), spawn_worker,
// network_fetch(host_set), invoke_tool}.
type CapabilityKind string

const (
	ReadVFS      CapabilityKind = "read_vfs"
	WriteVFS     CapabilityKind = "write_vfs"
	SpawnWorker  CapabilityKind = "spawn_worker"
	NetworkFetch CapabilityKind = "network_fetch"
	InvokeTool   CapabilityKind = "invoke_tool"
)

// Capability is one entry in a Tool Definition's declared capability set.
// PrefixSet is meaningful only for WriteVFS; HostSet only for NetworkFetch.
type Capability struct {
	Kind      CapabilityKind
	PrefixSet []string
	HostSet   []string
}

// GrantsPrefix reports whether c (WriteVFS) grants access to path: path must
// have one of c.PrefixSet as a segment-aware prefix (vfs.Path.HasPrefix).
// Glob patterns in PrefixSet are not expanded.
func (c Capability) GrantsPrefix(path vfs.Path) bool {
	if c.Kind != WriteVFS {
		return false
	}
	for _, prefix := range c.PrefixSet {
		if path.HasPrefix(prefix) {
			return true
		}
	}
	return false
}

// GrantsHost reports whether c (NetworkFetch) permits contacting host.
func (c Capability) GrantsHost(host string) bool {
	if c.Kind != NetworkFetch {
		return false
	}
	for _, h := range c.HostSet {
		if h == host {
			return true
		}
	}
	return false
}

// Definition is the registered shape of a tool: identity, schema, the
// capabilities it may exercise, and a reference to its executable body
// inside the VFS.
type Definition struct {
	ID          string
	Description string
	InputSchema json.RawMessage
	Capabilities []Capability
	BodyRef     vfs.Path
}

// HasCapability reports whether def declares a capability of kind.
func (def Definition) HasCapability(kind CapabilityKind) bool {
	for _, c := range def.Capabilities {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
