package shader

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/wgsl"
)

// parseWGSL parses source into a naga AST.
func parseWGSL(source string) (*wgsl.Module, error) {
	return naga.Parse(source)
}

// moduleScope carries the module-level declarations needed to evaluate attribute arguments and
// resolve type names.
type moduleScope struct {
	consts  map[string]wgsl.Expr
	aliases map[string]wgsl.Type
}

func newModuleScope(m *wgsl.Module) *moduleScope {
	s := &moduleScope{
		consts:  make(map[string]wgsl.Expr, len(m.Constants)),
		aliases: make(map[string]wgsl.Type, len(m.Aliases)),
	}
	for _, c := range m.Constants {
		s.consts[c.Name] = c.Init
	}
	for _, a := range m.Aliases {
		s.aliases[a.Name] = a.Type
	}
	return s
}

// reflectModule walks a parsed module and collects entry points and resource bindings.
func reflectModule(m *wgsl.Module) *Reflection {
	scope := newModuleScope(m)
	r := &Reflection{}

	for _, fn := range m.Functions {
		stage, ok := entryStage(fn.Attributes)
		if !ok {
			continue
		}
		ep := EntryPoint{Name: fn.Name, Stage: stage, WorkgroupSize: [3]uint32{1, 1, 1}}
		if stage == StageCompute {
			ep.WorkgroupSize = scope.workgroupSize(fn.Attributes)
		}
		r.EntryPoints = append(r.EntryPoints, ep)
	}

	layouts := scope.structLayouts(m.Structs)

	for _, v := range m.GlobalVars {
		group, hasGroup := scope.attrUint(v.Attributes, "group")
		binding, hasBinding := scope.attrUint(v.Attributes, "binding")
		if !hasGroup || !hasBinding {
			continue
		}
		typeName := scope.typeName(v.Type)
		b := Binding{
			Group:        group,
			Binding:      binding,
			Name:         v.Name,
			AddressSpace: v.AddressSpace,
			AccessMode:   v.AccessMode,
			TypeName:     typeName,
			Kind:         classifyResource(v.AddressSpace, v.AccessMode, typeName),
			RuntimeSized: isRuntimeArray(typeName),
		}
		if b.Kind.IsBuffer() {
			if layout, ok := resolveTypeLayout(typeName, layouts); ok {
				b.MinBindingSize = layout.size
			}
		}
		r.Bindings = append(r.Bindings, b)
	}

	return r
}

// entryStage returns the stage named by a function's attributes, if any.
func entryStage(attrs []wgsl.Attribute) (Stage, bool) {
	for _, attr := range attrs {
		switch attr.Name {
		case "compute":
			return StageCompute, true
		case "vertex":
			return StageVertex, true
		case "fragment":
			return StageFragment, true
		}
	}
	return 0, false
}

// workgroupSize evaluates @workgroup_size(x[, y[, z]]); omitted dimensions default to 1.
func (s *moduleScope) workgroupSize(attrs []wgsl.Attribute) [3]uint32 {
	size := [3]uint32{1, 1, 1}
	for _, attr := range attrs {
		if attr.Name != "workgroup_size" {
			continue
		}
		for i, arg := range attr.Args {
			if i >= 3 {
				break
			}
			if v, ok := s.evalUint(arg, 0); ok {
				size[i] = v
			}
		}
		break
	}
	return size
}

// attrUint evaluates the first argument of the named attribute.
func (s *moduleScope) attrUint(attrs []wgsl.Attribute, name string) (uint32, bool) {
	for _, attr := range attrs {
		if attr.Name == name && len(attr.Args) > 0 {
			return s.evalUint(attr.Args[0], 0)
		}
	}
	return 0, false
}

// evalUint evaluates an integer literal, a reference to a module-scope const, or a type
// constructor around either. depth bounds const chains.
func (s *moduleScope) evalUint(e wgsl.Expr, depth int) (uint32, bool) {
	if depth > 16 {
		return 0, false
	}
	switch v := e.(type) {
	case *wgsl.Literal:
		return parseIntLiteral(v.Value)
	case *wgsl.Ident:
		init, ok := s.consts[v.Name]
		if !ok || init == nil {
			return 0, false
		}
		return s.evalUint(init, depth+1)
	case *wgsl.ConstructExpr:
		if len(v.Args) == 1 {
			return s.evalUint(v.Args[0], depth+1)
		}
	case *wgsl.CallExpr:
		// u32(64) and i32(64) parse as calls
		if len(v.Args) == 1 {
			return s.evalUint(v.Args[0], depth+1)
		}
	}
	return 0, false
}

// parseIntLiteral parses a WGSL integer literal with an optional i/u suffix.
func parseIntLiteral(lit string) (uint32, bool) {
	lit = strings.TrimRight(lit, "iu")
	v, err := strconv.ParseUint(lit, 0, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// typeName renders an AST type as WGSL text in the spelling the layout tables use, resolving
// aliases and fixed array counts.
func (s *moduleScope) typeName(t wgsl.Type) string {
	return s.typeNameDepth(t, 0)
}

func (s *moduleScope) typeNameDepth(t wgsl.Type, depth int) string {
	if t == nil || depth > 16 {
		return ""
	}
	switch v := t.(type) {
	case *wgsl.NamedType:
		if aliased, ok := s.aliases[v.Name]; ok && len(v.TypeParams) == 0 {
			return s.typeNameDepth(aliased, depth+1)
		}
		if len(v.TypeParams) == 0 {
			return v.Name
		}
		params := make([]string, len(v.TypeParams))
		for i, p := range v.TypeParams {
			params[i] = s.typeNameDepth(p, depth+1)
		}
		return v.Name + "<" + strings.Join(params, ", ") + ">"
	case *wgsl.ArrayType:
		elem := s.typeNameDepth(v.Element, depth+1)
		if v.Size == nil {
			return "array<" + elem + ">"
		}
		if n, ok := s.evalUint(v.Size, 0); ok {
			return fmt.Sprintf("array<%s, %d>", elem, n)
		}
		return "array<" + elem + ", ?>"
	case *wgsl.BindingArrayType:
		return "binding_array<" + s.typeNameDepth(v.Element, depth+1) + ">"
	case *wgsl.PtrType:
		return "ptr<" + v.AddressSpace + ", " + s.typeNameDepth(v.PointeeType, depth+1) + ">"
	}
	return ""
}

// structLayouts lays out every struct declared in the module, resolving struct-in-struct
// dependencies iteratively.
func (s *moduleScope) structLayouts(structs []*wgsl.StructDecl) map[string]wgslTypeLayout {
	parsed := make([]parsedStruct, 0, len(structs))
	for _, sd := range structs {
		ps := parsedStruct{name: sd.Name}
		for _, m := range sd.Members {
			ps.fields = append(ps.fields, parsedField{
				name:      m.Name,
				typeName:  s.typeName(m.Type),
				isBuiltin: hasAttribute(m.Attributes, "builtin"),
			})
		}
		parsed = append(parsed, ps)
	}
	return computeStructSizes(parsed)
}

func hasAttribute(attrs []wgsl.Attribute, name string) bool {
	for _, a := range attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}

// classifyResource determines the binding kind from the address space, access mode and type.
//
// Parameters:
//   - addressSpace: the var address space ("uniform", "storage", or empty for handle types)
//   - accessMode: the storage access mode ("read", "read_write", or empty)
//   - typeName: the rendered WGSL type name
//
// Returns:
//   - BindingKind: the classification
func classifyResource(addressSpace, accessMode, typeName string) BindingKind {
	switch addressSpace {
	case "uniform":
		return BindingKindUniform
	case "storage":
		if accessMode == "read_write" || accessMode == "write" {
			return BindingKindStorage
		}
		return BindingKindReadOnlyStorage
	}
	switch {
	case strings.HasPrefix(typeName, "sampler"):
		return BindingKindSampler
	case strings.HasPrefix(typeName, "texture_"):
		return BindingKindTexture
	}
	return BindingKindUnknown
}
