package compute

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferStorageRoundTrip(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	want := []float32{0.5, -1, 3.25, 1e6, 7}
	index := addValues(t, pass, BufferModeReadWriteMappableStorage, want)

	called := false
	require.NoError(t, pass.ReadBufferFromGPU(index, func(data []byte, userdata any) {
		called = true
		assert.Equal(t, "tag", userdata)
		assert.Equal(t, want, common.CopyBytesAs[float32](data))
	}, "tag"))
	assert.False(t, called, "callbacks never fire during the request")

	require.NoError(t, cp.Update())
	assert.True(t, called)
}

func TestBufferStorageUniqueness(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	first := NewBufferDescriptor(1, 2, BufferModeUniform)
	first.SetByteSize(16)
	index, err := pass.AddBuffer(first)
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	dup := NewBufferDescriptor(1, 2, BufferModeReadWriteStorage)
	dup.SetByteSize(64)
	index, err = pass.AddBuffer(dup)
	assert.ErrorIs(t, err, ErrDuplicateBinding)
	assert.Equal(t, -1, index)
	assert.Equal(t, 1, pass.BufferCount())

	size, err := pass.GetBufferByteSize(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), size, "the first buffer is untouched")
}

func TestBufferStorageAddErrors(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	tests := []struct {
		name string
		desc func() *BufferDescriptor
		want error
	}{
		{
			name: "nil descriptor",
			desc: func() *BufferDescriptor { return nil },
			want: ErrMissingByteSize,
		},
		{
			name: "no size and no source",
			desc: func() *BufferDescriptor { return NewBufferDescriptor(0, 0, BufferModeReadWriteStorage) },
			want: ErrMissingByteSize,
		},
		{
			name: "source larger than explicit size",
			desc: func() *BufferDescriptor {
				d := NewBufferDescriptor(0, 0, BufferModeReadWriteStorage)
				SetRawData(d, []uint32{1, 2, 3, 4})
				d.SetByteSize(8)
				return d
			},
			want: ErrOversizedUpdate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, err := pass.AddBuffer(tt.desc())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, -1, index)
			assert.Zero(t, pass.BufferCount())
		})
	}
}

func TestBufferStorageSizeDerivation(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	desc := NewBufferDescriptor(0, 0, BufferModeReadWriteMappableStorage)
	desc.SetData(NewTypedArray("normals", 3, []float32{0, 0, 1, 0, 1, 0, 1, 0, 0}))
	index, err := pass.AddBuffer(desc)
	require.NoError(t, err)

	size, err := pass.GetBufferByteSize(index)
	require.NoError(t, err)
	assert.Equal(t, uint64(9*4), size)

	raw := NewBufferDescriptor(0, 1, BufferModeReadWriteMappableStorage)
	SetRawData(raw, []uint16{1, 2, 3, 4, 5})
	index, err = pass.AddBuffer(raw)
	require.NoError(t, err)
	size, err = pass.GetBufferByteSize(index)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size)

	var got []uint16
	require.NoError(t, pass.ReadBufferFromGPU(index, func(data []byte, _ any) {
		got = common.CopyBytesAs[uint16](data)
	}, nil))
	require.NoError(t, cp.Update())
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, got, "unaligned sources are padded on upload and trimmed on read")
}

func TestBufferStorageResizeKeepsIndex(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	index := addValues(t, pass, BufferModeReadWriteMappableStorage, []float32{1, 2, 3, 4})
	require.NoError(t, pass.ResizeBuffer(index, 32))
	assert.Equal(t, 1, pass.BufferCount())
	size, err := pass.GetBufferByteSize(index)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), size)

	want := []float32{8, 7, 6, 5, 4, 3, 2, 1}
	require.NoError(t, UpdateBufferValues(pass, index, want, 0))
	assert.Equal(t, want, readFloats(t, cp, pass, index))

	assert.ErrorIs(t, pass.ResizeBuffer(index, 0), ErrMissingByteSize)
	assert.ErrorIs(t, pass.ResizeBuffer(7, 16), ErrInvalidIndex)
}

func TestBufferStoragePartialUpdate(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	index := addValues(t, pass, BufferModeReadWriteMappableStorage, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, UpdateBufferValues(pass, index, []float32{9, 9}, 8))
	assert.Equal(t, []float32{0, 1, 9, 9, 4, 5, 6, 7}, readFloats(t, cp, pass, index))

	require.NoError(t, UpdateBufferValues(pass, index, []float32{-1}, 28))
	assert.Equal(t, []float32{0, 1, 9, 9, 4, 5, 6, -1}, readFloats(t, cp, pass, index))
}

func TestBufferStorageUpdateUnalignedTail(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	desc := NewBufferDescriptor(0, 0, BufferModeReadWriteMappableStorage)
	SetRawData(desc, []uint16{1, 2, 3})
	index, err := pass.AddBuffer(desc)
	require.NoError(t, err)

	require.NoError(t, UpdateBufferValues(pass, index, []uint16{7, 8, 9}, 0), "a write covering the whole buffer is padded")
	assert.ErrorIs(t, UpdateBufferValues(pass, index, []uint16{5}, 0), ErrUnalignedWrite, "only a write ending at the buffer end is padded")

	var got []uint16
	require.NoError(t, pass.ReadBufferFromGPU(index, func(data []byte, _ any) {
		got = common.CopyBytesAs[uint16](data)
	}, nil))
	require.NoError(t, cp.Update())
	assert.Equal(t, []uint16{7, 8, 9}, got)
}

func TestBufferStorageUpdateRejected(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	values := []float32{1, 2, 3, 4}
	index := addValues(t, pass, BufferModeReadWriteMappableStorage, values)

	tests := []struct {
		name   string
		data   []byte
		offset uint64
		want   error
	}{
		{"past the end", make([]byte, 8), 12, ErrOversizedUpdate},
		{"larger than buffer", make([]byte, 20), 0, ErrOversizedUpdate},
		{"offset overflow", make([]byte, 4), ^uint64(0) - 1, ErrOversizedUpdate},
		{"unaligned offset", make([]byte, 4), 2, ErrUnalignedWrite},
		{"unaligned length", make([]byte, 3), 0, ErrUnalignedWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, pass.UpdateBufferData(index, tt.data, tt.offset), tt.want)
		})
	}
	assert.ErrorIs(t, pass.UpdateBufferData(4, make([]byte, 4), 0), ErrInvalidIndex)
	assert.Equal(t, values, readFloats(t, cp, pass, index), "refused updates write nothing")
}

func TestBufferStorageReadNotMappable(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	for _, mode := range []BufferMode{BufferModeReadOnlyStorage, BufferModeReadWriteStorage, BufferModeUniform} {
		t.Run(mode.String(), func(t *testing.T) {
			desc := NewBufferDescriptor(uint32(mode), 0, mode)
			desc.SetByteSize(16)
			index, err := pass.AddBuffer(desc)
			require.NoError(t, err)

			err = pass.ReadBufferFromGPU(index, func([]byte, any) { t.Fatal("callback fired") }, nil)
			assert.ErrorIs(t, err, ErrNotMappable)
		})
	}
	require.NoError(t, cp.Update())
}

func TestBufferStorageUniformAlignment(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()

	desc := NewBufferDescriptor(0, 0, BufferModeUniform)
	SetRawData(desc, []float32{1, 2, 3})
	index, err := pass.AddBuffer(desc)
	require.NoError(t, err)

	s := pass.(*computePass).storage
	assert.Equal(t, uint64(16), s.entries[index].allocSize)
	assert.Equal(t, uint64(16), s.entries[index].buffer.Size())
	assert.True(t, s.CheckBufferIndex(index, "test"))
	assert.False(t, s.CheckBufferIndex(index+1, "test"))
	assert.False(t, s.CheckBufferCorrectness(desc, "test"), "slot is taken")
}
