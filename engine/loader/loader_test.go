package loader

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Carmen-Shannon/oxy-compute/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// triangleBinary lays out positions at 0, RGBA8 colors at 36 and uint16 indices at 48.
func triangleBinary(t *testing.T) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}))
	require.NoError(t, binary.Write(&b, binary.LittleEndian, []uint8{255, 0, 0, 255, 0, 255, 0, 255, 0, 0, 255, 255}))
	require.NoError(t, binary.Write(&b, binary.LittleEndian, []uint16{0, 1, 2, 0}))
	return b.Bytes()
}

const triangleDocument = `{
	"asset": {"version": %q},
	"meshes": [{"name": "tri", "primitives": [{"attributes": %s, %s "mode": %d}]}],
	"accessors": [
		{"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3"},
		{"bufferView": 1, "componentType": 5121, "normalized": true, "count": 3, "type": "VEC4"},
		{"bufferView": 2, "componentType": 5123, "count": 3, "type": "SCALAR"}
	],
	"bufferViews": [
		{"buffer": 0, "byteOffset": 0, "byteLength": 36},
		{"buffer": 0, "byteOffset": 36, "byteLength": 12},
		{"buffer": 0, "byteOffset": 48, "byteLength": 6}
	],
	"buffers": [%s]
}`

type documentOptions struct {
	version    string
	attributes string
	indices    bool
	mode       int
	buffer     string
}

func triangleJSON(o documentOptions) string {
	if o.version == "" {
		o.version = "2.0"
	}
	if o.attributes == "" {
		o.attributes = `{"POSITION": 0, "COLOR_0": 1}`
	}
	if o.mode == 0 {
		o.mode = gltfPrimitiveModeTriangles
	}
	indices := ""
	if o.indices {
		indices = `"indices": 2,`
	}
	return fmt.Sprintf(triangleDocument, o.version, o.attributes, indices, o.mode, o.buffer)
}

func dataURIBuffer(bin []byte) string {
	return fmt.Sprintf(`{"byteLength": %d, "uri": "data:application/octet-stream;base64,%s"}`,
		len(bin), base64.StdEncoding.EncodeToString(bin))
}

// buildGLB wraps a JSON document and binary chunk in a GLB container.
func buildGLB(t *testing.T, jsonDoc string, bin []byte) []byte {
	t.Helper()
	pad := func(data []byte, fill byte) []byte {
		for len(data)%4 != 0 {
			data = append(data, fill)
		}
		return data
	}
	jsonChunk := pad([]byte(jsonDoc), ' ')
	binChunk := pad(append([]byte(nil), bin...), 0)

	var b bytes.Buffer
	total := 12 + 8 + len(jsonChunk) + 8 + len(binChunk)
	require.NoError(t, binary.Write(&b, binary.LittleEndian, gltfGLBHeader{Magic: gltfGLBMagic, Version: gltfGLBVersion, Length: uint32(total)}))
	require.NoError(t, binary.Write(&b, binary.LittleEndian, gltfGLBChunkHeader{ChunkLength: uint32(len(jsonChunk)), ChunkType: gltfGLBChunkJSON}))
	b.Write(jsonChunk)
	require.NoError(t, binary.Write(&b, binary.LittleEndian, gltfGLBChunkHeader{ChunkLength: uint32(len(binChunk)), ChunkType: gltfGLBChunkBIN}))
	b.Write(binChunk)
	return b.Bytes()
}

func assertTriangle(t *testing.T, m *mesh.Mesh) {
	t.Helper()
	assert.Equal(t, "tri", m.Name)
	assert.Equal(t, []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}, m.Positions)
	assert.Equal(t, [][3]uint32{{0, 1, 2}}, m.Triangles)
	assert.Equal(t, []mgl32.Vec4{{1, 0, 0, 1}, {0, 1, 0, 1}, {0, 0, 1, 1}}, m.Colors)
	require.Len(t, m.Normals, 3)
	for _, n := range m.Normals {
		assert.InDelta(t, 1, n.Z(), 1e-6, "generated normal faces +Z")
	}
	assert.NoError(t, m.Validate())
}

func TestLoadReaderDataURI(t *testing.T) {
	l := NewLoader()
	bin := triangleBinary(t)
	doc := triangleJSON(documentOptions{indices: true, buffer: dataURIBuffer(bin)})

	meshes, err := l.LoadReader("tri", strings.NewReader(doc), false)
	require.NoError(t, err)
	require.Len(t, meshes, 1)
	assertTriangle(t, meshes[0])
	assert.Nil(t, meshes[0].CellNormals)
	assert.Equal(t, meshes, l.Get("tri"))

	l.Evict("tri")
	assert.Nil(t, l.Get("tri"))
}

func TestLoadReaderGLB(t *testing.T) {
	l := NewLoader(WithCellNormals(true))
	bin := triangleBinary(t)
	doc := triangleJSON(documentOptions{indices: true, buffer: fmt.Sprintf(`{"byteLength": %d}`, len(bin))})

	meshes, err := l.LoadReader("tri.glb", bytes.NewReader(buildGLB(t, doc, bin)), true)
	require.NoError(t, err)
	require.Len(t, meshes, 1)
	assertTriangle(t, meshes[0])
	assert.Equal(t, []mgl32.Vec3{{0, 0, 1}}, meshes[0].CellNormals)
}

func TestLoadFileCaches(t *testing.T) {
	dir := t.TempDir()
	bin := triangleBinary(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tri.bin"), bin, 0o644))
	doc := triangleJSON(documentOptions{buffer: fmt.Sprintf(`{"byteLength": %d, "uri": "tri.bin"}`, len(bin))})
	path := filepath.Join(dir, "tri.gltf")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	l := NewLoader()
	first, err := l.Load(path)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, [][3]uint32{{0, 1, 2}}, first[0].Triangles, "non-indexed primitives use sequential indices")

	require.NoError(t, os.Remove(path))
	second, err := l.Load(path)
	require.NoError(t, err, "served from the cache")
	assert.Same(t, first[0], second[0])
}

func TestLoaderPrepopulated(t *testing.T) {
	m := &mesh.Mesh{Name: "cached"}
	l := NewLoader(WithMeshes("some/path.glb", []*mesh.Mesh{m}))
	got, err := l.Load("some/path.glb")
	require.NoError(t, err)
	assert.Same(t, m, got[0])
}

func TestLoadErrors(t *testing.T) {
	bin := triangleBinary(t)
	buffer := dataURIBuffer(bin)

	tests := []struct {
		name string
		doc  string
		err  error
	}{
		{"bad version", triangleJSON(documentOptions{version: "1.0", buffer: buffer}), errInvalidGLTFVersion},
		{"no positions", triangleJSON(documentOptions{attributes: `{"COLOR_0": 1}`, buffer: buffer}), ErrMissingPositions},
		{"line strip", triangleJSON(documentOptions{mode: 3, buffer: buffer}), ErrUnsupportedMode},
		{"short buffer", triangleJSON(documentOptions{buffer: fmt.Sprintf(`{"byteLength": 512, "uri": "data:;base64,%s"}`, base64.StdEncoding.EncodeToString(bin))}), errBufferSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader()
			_, err := l.LoadReader(tt.name, strings.NewReader(tt.doc), false)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, l.Get(tt.name))
		})
	}

	_, err := NewLoader().LoadReader("glb", bytes.NewReader([]byte("not a glb file")), true)
	assert.ErrorIs(t, err, errInvalidGLBMagic)
}

func TestReadAccessorDataStride(t *testing.T) {
	// Two VEC2 floats interleaved with 8 bytes of padding each.
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, []float32{1, 2, -1, -1, 3, 4, -1, -1}))
	view, stride := 0, 16
	p := &gltfParser{document: &gltfDocument{
		Accessors:   []gltfAccessor{{BufferView: &view, ComponentType: gltfComponentTypeFloat, Count: 2, Type: gltfAccessorTypeVec2}},
		BufferViews: []gltfBufferView{{Buffer: 0, ByteLength: 32, ByteStride: &stride}},
		Buffers:     []gltfBuffer{{ByteLength: 32, Data: b.Bytes()}},
	}}

	uvs, err := readFloatAccessor[mgl32.Vec2](p, 0, gltfAccessorTypeVec2)
	require.NoError(t, err)
	assert.Equal(t, []mgl32.Vec2{{1, 2}, {3, 4}}, uvs)

	_, err = readFloatAccessor[mgl32.Vec3](p, 0, gltfAccessorTypeVec3)
	assert.Error(t, err, "type mismatch")
}
