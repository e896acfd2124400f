package compute

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePipelinePassesShareDevice(t *testing.T) {
	d := newTestDevice(t)
	cp := NewComputePipeline(d)
	t.Cleanup(cp.Release)

	assert.NotEmpty(t, cp.Label())
	assert.Equal(t, gpu.Device(d), cp.Device())

	a := cp.CreateComputePass(WithPassLabel("a"))
	b := cp.CreateComputePass(WithPassLabel("b"))
	assert.Equal(t, []ComputePass{a, b}, cp.Passes())
	assert.NotEmpty(t, cp.CreateComputePass().Label(), "unlabeled passes get a generated label")

	a.SetLabel("renamed")
	assert.Equal(t, "renamed", a.Label())
}

// Pipeline A fills a window of a shared buffer; pipeline B copies that window out verbatim. Updated
// in registration order, B observes A's output within the same frame.
func TestComputePipelineOrderingAcrossPipelines(t *testing.T) {
	d := newTestDevice(t)
	shared, err := d.CreateBuffer(gpu.BufferDescriptor{Label: "mesh", Size: 256, Usage: gpu.BufferUsageStorage | gpu.BufferUsageVertex | gpu.BufferUsageCopySrc | gpu.BufferUsageCopyDst})
	require.NoError(t, err)
	t.Cleanup(shared.Release)

	producer := newTestPipeline(t, d)
	fill := producer.CreateComputePass(WithShaderSource(windowShader), WithEntryPoint("fill_window"), WithWorkgroups(2, 1, 1))
	out := NewPointRenderBuffer(PointColors, shared)
	out.SetWindowBinding(1)
	out.SetWindow(128, 16)
	require.NoError(t, fill.AddRenderBuffer(out))

	consumer := newTestPipeline(t, d)
	copyPass := consumer.CreateComputePass(WithShaderSource(copyWindowShader), WithEntryPoint("copy_window"), WithWorkgroups(2, 1, 1))
	in := NewPointRenderBuffer(PointColors, shared)
	in.SetMode(BufferModeReadOnlyStorage)
	in.SetWindowBinding(1)
	in.SetWindow(128, 16)
	require.NoError(t, copyPass.AddRenderBuffer(in))
	copied := NewBufferDescriptor(0, 2, BufferModeReadWriteMappableStorage)
	copied.SetByteSize(16 * 4)
	copiedIndex, err := copyPass.AddBuffer(copied)
	require.NoError(t, err)

	var got []uint32
	require.NoError(t, fill.Dispatch())
	require.NoError(t, copyPass.Dispatch())
	require.NoError(t, copyPass.ReadBufferFromGPU(copiedIndex, func(data []byte, _ any) {
		got = common.CopyBytesAs[uint32](data)
	}, nil))

	require.NoError(t, producer.Update())
	assert.Nil(t, got, "consumer work waits for its own Update")
	require.NoError(t, consumer.Update())

	want := make([]uint32, 16)
	for i := range want {
		want[i] = uint32(i*i + 1)
	}
	assert.Equal(t, want, got)
}

func TestComputePipelinePassOrderWithinPipeline(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	shared, err := d.CreateBuffer(gpu.BufferDescriptor{Label: "mesh", Size: 64, Usage: gpu.BufferUsageStorage | gpu.BufferUsageCopySrc | gpu.BufferUsageCopyDst})
	require.NoError(t, err)
	t.Cleanup(shared.Release)

	fill := cp.CreateComputePass(WithShaderSource(windowShader), WithEntryPoint("fill_window"), WithWorkgroups(1, 1, 1))
	out := NewPointRenderBuffer(PointNormals, shared)
	out.SetWindowBinding(1)
	out.SetWindow(0, 8)
	require.NoError(t, fill.AddRenderBuffer(out))

	copyPass := cp.CreateComputePass(WithShaderSource(copyWindowShader), WithEntryPoint("copy_window"), WithWorkgroups(1, 1, 1))
	in := NewPointRenderBuffer(PointNormals, shared)
	in.SetMode(BufferModeReadOnlyStorage)
	in.SetWindowBinding(1)
	in.SetWindow(0, 8)
	require.NoError(t, copyPass.AddRenderBuffer(in))
	copied := NewBufferDescriptor(0, 2, BufferModeReadWriteMappableStorage)
	copied.SetByteSize(8 * 4)
	copiedIndex, err := copyPass.AddBuffer(copied)
	require.NoError(t, err)

	// recorded out of creation order; submission still follows creation order
	require.NoError(t, copyPass.Dispatch())
	var got []uint32
	require.NoError(t, copyPass.ReadBufferFromGPU(copiedIndex, func(data []byte, _ any) {
		got = common.CopyBytesAs[uint32](data)
	}, nil))
	require.NoError(t, fill.Dispatch())

	require.NoError(t, cp.Update())
	assert.Equal(t, []uint32{1, 2, 5, 10, 17, 26, 37, 50}, got)
}

func TestComputePipelineReadCallbacksInRequestOrder(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()
	index := addValues(t, pass, BufferModeReadWriteMappableStorage, []float32{1, 2})

	var order []int
	for i := range 3 {
		require.NoError(t, pass.ReadBufferFromGPU(index, func(_ []byte, userdata any) {
			order = append(order, userdata.(int))
		}, i))
	}
	require.NoError(t, cp.Update())
	assert.Equal(t, []int{0, 1, 2}, order)

	require.NoError(t, cp.Update())
	assert.Len(t, order, 3, "callbacks fire once")
}

func TestComputePipelineCallbackRequestsAnotherRead(t *testing.T) {
	d := newTestDevice(t)
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass()
	index := addValues(t, pass, BufferModeReadWriteMappableStorage, []float32{1, 2})

	calls := 0
	var read MapCallback
	read = func([]byte, any) {
		calls++
		if calls == 1 {
			require.NoError(t, pass.ReadBufferFromGPU(index, read, nil))
		}
	}
	require.NoError(t, pass.ReadBufferFromGPU(index, read, nil))

	require.NoError(t, cp.Update())
	assert.Equal(t, 1, calls, "reads requested by a callback wait for the next Update")
	require.NoError(t, cp.Update())
	assert.Equal(t, 2, calls)
}

func TestComputePipelineReleaseDropsCallbacks(t *testing.T) {
	d := newTestDevice(t)
	cp := NewComputePipeline(d)
	pass := cp.CreateComputePass()
	index := addValues(t, pass, BufferModeReadWriteMappableStorage, []float32{1, 2})

	require.NoError(t, pass.ReadBufferFromGPU(index, func([]byte, any) {
		t.Fatal("callback fired after release")
	}, nil))

	cp.Release()
	cp.Release()
	assert.ErrorIs(t, cp.Update(), ErrReleased)
	assert.Empty(t, cp.Passes())
	assert.ErrorIs(t, pass.ReadBufferFromGPU(index, func([]byte, any) {}, nil), ErrReleased)

	late := cp.CreateComputePass()
	_, err := late.AddBuffer(NewBufferDescriptor(0, 0, BufferModeUniform))
	assert.ErrorIs(t, err, ErrReleased)
}

func TestComputePipelineReleaseDuringCallback(t *testing.T) {
	d := newTestDevice(t)
	cp := NewComputePipeline(d)
	first := cp.CreateComputePass()
	second := cp.CreateComputePass()
	a := addValues(t, first, BufferModeReadWriteMappableStorage, []float32{1})
	b := addValues(t, second, BufferModeReadWriteMappableStorage, []float32{2})

	fired := 0
	require.NoError(t, first.ReadBufferFromGPU(a, func([]byte, any) {
		fired++
		cp.Release()
	}, nil))
	require.NoError(t, first.ReadBufferFromGPU(a, func([]byte, any) { fired++ }, nil))
	require.NoError(t, second.ReadBufferFromGPU(b, func([]byte, any) { fired++ }, nil))

	require.NoError(t, cp.Update())
	assert.Equal(t, 1, fired)
}

func TestComputePipelineUpdateReportsDeviceErrors(t *testing.T) {
	d := newTestDevice(t, gpu.WithKernel("scale_values", func(*gpu.Invocation) { panic("boom") }))
	cp := newTestPipeline(t, d)
	pass := cp.CreateComputePass(WithShaderSource(scaleShader), WithEntryPoint("scale_values"))
	index := addValues(t, pass, BufferModeReadWriteMappableStorage, []float32{1, 2, 3, 4})

	require.NoError(t, pass.Dispatch())
	require.NoError(t, pass.ReadBufferFromGPU(index, func([]byte, any) {
		t.Fatal("read of a failed submission fired")
	}, nil))

	err := cp.Update()
	require.Error(t, err)
	assert.ErrorContains(t, err, "panicked")
	assert.Zero(t, pass.(*computePass).storage.pendingReads())
	assert.NoError(t, cp.Update(), "no automatic retry")
}
