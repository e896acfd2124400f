package shader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const particleShader = `
const WG: u32 = 32u;

struct Particle {
	position: vec3<f32>,
	mass: f32,
}

struct Window {
	byte_offset: u32,
	element_count: u32,
}

@group(0) @binding(0) var<storage, read> particles: array<Particle>;
@group(0) @binding(1) var<storage, read_write> forces: array<vec4<f32>>;
@group(1) @binding(0) var<uniform> window: Window;
@group(1) @binding(1) var<uniform> planes: array<vec4<f32>, 6>;

@compute @workgroup_size(WG)
fn integrate(@builtin(global_invocation_id) id: vec3<u32>) {
	let i = id.x;
	forces[i] = vec4<f32>(particles[i].position * particles[i].mass, 0.0);
}

@compute @workgroup_size(8, 8)
fn clear(@builtin(global_invocation_id) id: vec3<u32>) {
	forces[id.x] = vec4<f32>(0.0);
}
`

func TestReflectEntryPoints(t *testing.T) {
	r, err := Reflect(particleShader)
	require.NoError(t, err)

	tests := []struct {
		name string
		size [3]uint32
	}{
		{"integrate", [3]uint32{32, 1, 1}},
		{"clear", [3]uint32{8, 8, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ep, ok := r.ComputeEntryPoint(tc.name)
			require.True(t, ok)
			assert.Equal(t, StageCompute, ep.Stage)
			assert.Equal(t, tc.size, ep.WorkgroupSize)
		})
	}

	_, ok := r.EntryPoint("missing")
	assert.False(t, ok)
}

func TestReflectBindings(t *testing.T) {
	r, err := Reflect(particleShader)
	require.NoError(t, err)

	tests := []struct {
		group, binding uint32
		kind           BindingKind
		minSize        uint64
		runtime        bool
	}{
		{0, 0, BindingKindReadOnlyStorage, 16, true},
		{0, 1, BindingKindStorage, 16, true},
		{1, 0, BindingKindUniform, 8, false},
		{1, 1, BindingKindUniform, 96, false},
	}
	for _, tc := range tests {
		b, ok := r.Binding(tc.group, tc.binding)
		require.True(t, ok, "binding (%d, %d)", tc.group, tc.binding)
		assert.Equal(t, tc.kind, b.Kind, "binding (%d, %d)", tc.group, tc.binding)
		assert.Equal(t, tc.minSize, b.MinBindingSize, "binding (%d, %d)", tc.group, tc.binding)
		assert.Equal(t, tc.runtime, b.RuntimeSized, "binding (%d, %d)", tc.group, tc.binding)
	}

	buffers := r.BufferBindings()
	require.Len(t, buffers, 4)
	assert.Equal(t, "particles", buffers[0].Name)
	assert.Equal(t, "planes", buffers[3].Name)
}

func TestReflectParseError(t *testing.T) {
	_, err := Reflect("@compute fn broken( {")
	assert.Error(t, err)
}

func TestResolveTypeLayout(t *testing.T) {
	known := map[string]wgslTypeLayout{"Particle": {16, 16}}

	tests := []struct {
		typeName string
		want     wgslTypeLayout
		ok       bool
	}{
		{"f32", wgslTypeLayout{4, 4}, true},
		{"vec3<f32>", wgslTypeLayout{12, 16}, true},
		{"array<vec3<f32>, 2>", wgslTypeLayout{32, 16}, true},
		{"array<array<f32, 4>, 2>", wgslTypeLayout{32, 4}, true},
		{"array<Particle>", wgslTypeLayout{16, 16}, true},
		{"Unknown", wgslTypeLayout{}, false},
	}
	for _, tc := range tests {
		got, ok := resolveTypeLayout(tc.typeName, known)
		assert.Equal(t, tc.ok, ok, tc.typeName)
		assert.Equal(t, tc.want, got, tc.typeName)
	}
}

func TestComputeStructSizesNested(t *testing.T) {
	structs := []parsedStruct{
		{name: "Outer", fields: []parsedField{{name: "inner", typeName: "Inner"}, {name: "w", typeName: "f32"}}},
		{name: "Inner", fields: []parsedField{{name: "v", typeName: "vec3<f32>"}}},
	}
	got := computeStructSizes(structs)
	assert.Equal(t, wgslTypeLayout{16, 16}, got["Inner"])
	assert.Equal(t, wgslTypeLayout{32, 16}, got["Outer"])
}

func TestParseIntLiteral(t *testing.T) {
	for lit, want := range map[string]uint32{"64": 64, "64u": 64, "0x10": 16, "3i": 3} {
		got, ok := parseIntLiteral(lit)
		assert.True(t, ok, lit)
		assert.Equal(t, want, got, lit)
	}
	_, ok := parseIntLiteral("1.5")
	assert.False(t, ok)
}
