// Package shader reflects WGSL compute shaders so resource bindings and entry points can be checked
// against a pass configuration before anything is handed to the device.
package shader

import (
	"fmt"
	"slices"
)

// Stage identifies the pipeline stage an entry point belongs to.
type Stage int

const (
	// StageCompute marks a @compute entry point.
	StageCompute Stage = iota

	// StageVertex marks a @vertex entry point.
	StageVertex

	// StageFragment marks a @fragment entry point.
	StageFragment
)

func (s Stage) String() string {
	switch s {
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// BindingKind classifies a module-scope resource declaration.
type BindingKind int

const (
	// BindingKindUnknown is a declaration the reflector could not classify.
	BindingKindUnknown BindingKind = iota

	// BindingKindUniform is a `var<uniform>` buffer.
	BindingKindUniform

	// BindingKindStorage is a `var<storage, read_write>` buffer.
	BindingKindStorage

	// BindingKindReadOnlyStorage is a `var<storage>` or `var<storage, read>` buffer.
	BindingKindReadOnlyStorage

	// BindingKindTexture is any texture handle.
	BindingKindTexture

	// BindingKindSampler is a sampler or comparison sampler handle.
	BindingKindSampler
)

func (k BindingKind) String() string {
	switch k {
	case BindingKindUniform:
		return "uniform"
	case BindingKindStorage:
		return "storage, read_write"
	case BindingKindReadOnlyStorage:
		return "storage, read"
	case BindingKindTexture:
		return "texture"
	case BindingKindSampler:
		return "sampler"
	}
	return "unknown"
}

// IsBuffer reports whether the binding is backed by a GPU buffer.
func (k BindingKind) IsBuffer() bool {
	return k == BindingKindUniform || k == BindingKindStorage || k == BindingKindReadOnlyStorage
}

// EntryPoint is a shader entry function.
type EntryPoint struct {
	Name  string
	Stage Stage
	// WorkgroupSize is {1, 1, 1} for non-compute stages and for omitted dimensions.
	WorkgroupSize [3]uint32
}

// Invocations returns the number of invocations in one workgroup.
func (e EntryPoint) Invocations() uint64 {
	return uint64(e.WorkgroupSize[0]) * uint64(e.WorkgroupSize[1]) * uint64(e.WorkgroupSize[2])
}

// Binding is a module-scope resource declared with @group and @binding.
type Binding struct {
	Group   uint32
	Binding uint32
	Name    string

	// AddressSpace and AccessMode are the raw qualifiers, e.g. "storage" and "read_write".
	AddressSpace string
	AccessMode   string

	// TypeName is the declared type rendered as WGSL, with aliases resolved.
	TypeName string
	Kind     BindingKind

	// MinBindingSize is the smallest buffer the declaration accepts. For a runtime-sized array it
	// is the fixed prefix plus one element. Zero when the type could not be laid out.
	MinBindingSize uint64

	// RuntimeSized is true for a top-level array<T> declaration, whose element count follows the
	// bound buffer size.
	RuntimeSized bool
}

// Reflection is the result of reflecting one WGSL source.
type Reflection struct {
	EntryPoints []EntryPoint
	Bindings    []Binding
}

// EntryPoint looks up an entry function by name.
//
// Parameters:
//   - name: the function name
//
// Returns:
//   - EntryPoint: the entry point, zero value if absent
//   - bool: true if the source declares an entry point with that name
func (r *Reflection) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range r.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// ComputeEntryPoint looks up a @compute entry function by name.
func (r *Reflection) ComputeEntryPoint(name string) (EntryPoint, bool) {
	ep, ok := r.EntryPoint(name)
	if !ok || ep.Stage != StageCompute {
		return EntryPoint{}, false
	}
	return ep, true
}

// Binding looks up a resource declaration by its (group, binding) location.
func (r *Reflection) Binding(group, binding uint32) (Binding, bool) {
	for _, b := range r.Bindings {
		if b.Group == group && b.Binding == binding {
			return b, true
		}
	}
	return Binding{}, false
}

// BufferBindings returns the buffer-backed bindings sorted by group then binding.
func (r *Reflection) BufferBindings() []Binding {
	out := make([]Binding, 0, len(r.Bindings))
	for _, b := range r.Bindings {
		if b.Kind.IsBuffer() {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b Binding) int {
		if a.Group != b.Group {
			return int(a.Group) - int(b.Group)
		}
		return int(a.Binding) - int(b.Binding)
	})
	return out
}

// Reflect parses a WGSL source and extracts its entry points and resource bindings.
//
// Parameters:
//   - source: the WGSL source text
//
// Returns:
//   - *Reflection: the reflected entry points and bindings
//   - error: a wrapped parse error if naga could not parse the source
func Reflect(source string) (*Reflection, error) {
	module, err := parseWGSL(source)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect shader: %w", err)
	}
	return reflectModule(module), nil
}
