package gpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/cogentcore/webgpu/wgpu"
)

// wgpuDevice is the Device implementation on wgpu-native. All calls into wgpu are serialized by mu.
type wgpuDevice struct {
	mu     *sync.Mutex
	label  string
	log    *slog.Logger
	limits Limits

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// ready holds map callbacks wgpu fired during Poll; they run after mu is released.
	ready []func()

	released bool
}

var _ Device = (*wgpuDevice)(nil)

func newWGPUDevice(cfg *deviceConfig) (*wgpuDevice, error) {
	runtime.LockOSThread()
	d := &wgpuDevice{
		mu:       &sync.Mutex{},
		label:    cfg.label,
		log:      logger.Or(cfg.logger).With("device", cfg.label, "backend", BackendTypeWGPU.String()),
		instance: wgpu.CreateInstance(nil),
	}

	powerPreference := wgpu.PowerPreferenceUndefined
	if cfg.highPerformance {
		powerPreference = wgpu.PowerPreferenceHighPerformance
	}
	a, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: cfg.forceFallbackAdapter,
		PowerPreference:      powerPreference,
	})
	if err != nil {
		d.instance.Release()
		return nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	d.adapter = a

	limits := wgpu.DefaultLimits()
	if cfg.limits != nil {
		limits.MaxComputeWorkgroupsPerDimension = cfg.limits.MaxComputeWorkgroupsPerDimension
		limits.MaxComputeInvocationsPerWorkgroup = cfg.limits.MaxComputeInvocationsPerWorkgroup
		limits.MaxBindGroups = cfg.limits.MaxBindGroups
		limits.MinUniformBufferOffsetAlignment = cfg.limits.MinUniformBufferOffsetAlignment
		limits.MinStorageBufferOffsetAlignment = cfg.limits.MinStorageBufferOffsetAlignment
		limits.MaxStorageBufferBindingSize = cfg.limits.MaxStorageBufferBindingSize
		limits.MaxBufferSize = cfg.limits.MaxBufferSize
	}

	dev, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		Label: cfg.label,
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: limits,
		},
	})
	if err != nil {
		a.Release()
		d.instance.Release()
		return nil, fmt.Errorf("failed to request device: %w", err)
	}
	d.device = dev
	d.queue = dev.GetQueue()
	d.limits = Limits{
		MaxComputeWorkgroupsPerDimension:  limits.MaxComputeWorkgroupsPerDimension,
		MaxComputeInvocationsPerWorkgroup: limits.MaxComputeInvocationsPerWorkgroup,
		MaxBindGroups:                     limits.MaxBindGroups,
		MinUniformBufferOffsetAlignment:   limits.MinUniformBufferOffsetAlignment,
		MinStorageBufferOffsetAlignment:   limits.MinStorageBufferOffsetAlignment,
		MaxStorageBufferBindingSize:       limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     limits.MaxBufferSize,
	}

	d.log.Debug("device created", "fallback", cfg.forceFallbackAdapter)
	return d, nil
}

func (d *wgpuDevice) Label() string {
	return d.label
}

func (d *wgpuDevice) BackendType() BackendType {
	return BackendTypeWGPU
}

func (d *wgpuDevice) Limits() Limits {
	return d.limits
}

func (d *wgpuDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil, ErrReleased
	}

	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: wgpu.BufferUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %q: %w", desc.Label, err)
	}
	return &wgpuBuffer{device: d, buf: buf, label: desc.Label, size: desc.Size, usage: desc.Usage}, nil
}

func (d *wgpuDevice) WriteBuffer(buf Buffer, offset uint64, data []byte) error {
	b, ok := buf.(*wgpuBuffer)
	if !ok {
		return fmt.Errorf("%w: buffer %q belongs to another backend", ErrInvalidUsage, buf.Label())
	}
	if !b.usage.Has(BufferUsageCopyDst) {
		return fmt.Errorf("%w: write to %q without CopyDst", ErrInvalidUsage, b.label)
	}
	if err := ValidateCopyRange(b.size, offset, uint64(len(data))); err != nil {
		return fmt.Errorf("write of %d bytes at %d into %q: %w", len(data), offset, b.label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || b.released {
		return ErrReleased
	}
	return d.queue.WriteBuffer(b.buf, offset, data)
}

func (d *wgpuDevice) CreateProgram(desc ProgramDescriptor) (Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil, ErrReleased
	}

	p := &wgpuProgram{label: desc.Label, entryPoint: desc.EntryPoint}
	fail := func(err error) (Program, error) {
		p.Release()
		return nil, err
	}

	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: desc.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: desc.Source,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create shader module: %w", err))
	}
	p.module = module

	groups := groupBindings(desc.Bindings)
	p.layouts = make([]*wgpu.BindGroupLayout, len(groups))
	p.groups = make([]*wgpu.BindGroup, len(groups))
	for g, bindings := range groups {
		entries := make([]wgpu.BindGroupLayoutEntry, 0, len(bindings))
		for _, b := range bindings {
			entries = append(entries, wgpu.BindGroupLayoutEntry{
				Binding:    b.Binding,
				Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{
					Type: wgpuBindingType(b.Type),
				},
			})
		}
		bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s group %d", desc.Label, g),
			Entries: entries,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create bind group layout for group %d: %w", g, err))
		}
		p.layouts[g] = bgl
	}

	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: p.layouts,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create pipeline layout: %w", err))
	}
	p.layout = layout

	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  desc.Label + " Compute Pipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create compute pipeline: %w", err))
	}
	p.pipeline = pipeline

	for g, bindings := range groups {
		entries := make([]wgpu.BindGroupEntry, 0, len(bindings))
		for _, b := range bindings {
			wb, ok := b.Buffer.(*wgpuBuffer)
			if !ok {
				return fail(fmt.Errorf("%w: binding (%d, %d) is not a wgpu buffer", ErrInvalidUsage, b.Group, b.Binding))
			}
			size := b.Size
			if size == 0 {
				size = wgpu.WholeSize
			}
			entries = append(entries, wgpu.BindGroupEntry{
				Binding: b.Binding,
				Buffer:  wb.buf,
				Offset:  b.Offset,
				Size:    size,
			})
		}
		bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s bind group %d", desc.Label, g),
			Layout:  p.layouts[g],
			Entries: entries,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create bind group %d: %w", g, err))
		}
		p.groups[g] = bg
	}

	return p, nil
}

func (d *wgpuDevice) CreateEncoder(label string) (Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil, ErrReleased
	}
	enc, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	return &wgpuEncoder{device: d, enc: enc}, nil
}

func (d *wgpuDevice) Submit(commands ...CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return ErrReleased
	}
	for _, c := range commands {
		cb, ok := c.(*wgpuCommandBuffer)
		if !ok || cb.cb == nil {
			return fmt.Errorf("%w: command buffer was not produced by this device", ErrInvalidUsage)
		}
		d.queue.Submit(cb.cb)
	}
	return nil
}

func (d *wgpuDevice) Poll(wait bool) bool {
	d.mu.Lock()

	if d.released {
		d.mu.Unlock()
		return true
	}
	empty := d.device.Poll(wait, nil)
	ready := d.ready
	d.ready = nil
	d.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return empty
}

func (d *wgpuDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return
	}
	d.released = true
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	d.log.Debug("device released")
}

// groupBindings splits bindings by group index. Groups with no bindings get an empty slot so the
// pipeline layout stays dense.
func groupBindings(bindings []Binding) [][]Binding {
	maxGroup := -1
	for _, b := range bindings {
		if int(b.Group) > maxGroup {
			maxGroup = int(b.Group)
		}
	}
	groups := make([][]Binding, maxGroup+1)
	for _, b := range bindings {
		groups[b.Group] = append(groups[b.Group], b)
	}
	return groups
}

func wgpuBindingType(t BindingType) wgpu.BufferBindingType {
	switch t {
	case BindingTypeUniform:
		return wgpu.BufferBindingTypeUniform
	case BindingTypeReadOnlyStorage:
		return wgpu.BufferBindingTypeReadOnlyStorage
	}
	return wgpu.BufferBindingTypeStorage
}

type wgpuBuffer struct {
	device   *wgpuDevice
	buf      *wgpu.Buffer
	label    string
	size     uint64
	usage    BufferUsage
	released bool
}

func (b *wgpuBuffer) Label() string      { return b.label }
func (b *wgpuBuffer) Size() uint64       { return b.size }
func (b *wgpuBuffer) Usage() BufferUsage { return b.usage }

func (b *wgpuBuffer) MapAsync(offset, size uint64, callback func(error)) error {
	if !b.usage.Has(BufferUsageMapRead) {
		return fmt.Errorf("%w: map of %q without MapRead", ErrInvalidUsage, b.label)
	}
	if offset%MapAlignment != 0 || size%CopyBufferAlignment != 0 {
		return ErrUnaligned
	}
	if offset+size > b.size {
		return ErrOutOfBounds
	}

	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	return b.buf.MapAsync(wgpu.MapModeRead, offset, size, func(status wgpu.BufferMapAsyncStatus) {
		var err error
		if status != wgpu.BufferMapAsyncStatusSuccess {
			err = fmt.Errorf("%w: map of %q finished with status %d", ErrMapAborted, b.label, status)
		}
		b.device.ready = append(b.device.ready, func() { callback(err) })
	})
}

func (b *wgpuBuffer) MappedRange(offset, size uint64) []byte {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.released {
		return nil
	}
	return b.buf.GetMappedRange(uint(offset), uint(size))
}

func (b *wgpuBuffer) Unmap() {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if !b.released {
		b.buf.Unmap()
	}
}

func (b *wgpuBuffer) Release() {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.buf.Release()
}

type wgpuProgram struct {
	label      string
	entryPoint string

	module   *wgpu.ShaderModule
	layouts  []*wgpu.BindGroupLayout
	layout   *wgpu.PipelineLayout
	pipeline *wgpu.ComputePipeline
	groups   []*wgpu.BindGroup
}

func (p *wgpuProgram) Label() string      { return p.label }
func (p *wgpuProgram) EntryPoint() string { return p.entryPoint }

func (p *wgpuProgram) Release() {
	for i, bg := range p.groups {
		if bg != nil {
			bg.Release()
			p.groups[i] = nil
		}
	}
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
	if p.layout != nil {
		p.layout.Release()
		p.layout = nil
	}
	for i, l := range p.layouts {
		if l != nil {
			l.Release()
			p.layouts[i] = nil
		}
	}
	if p.module != nil {
		p.module.Release()
		p.module = nil
	}
}

type wgpuEncoder struct {
	device *wgpuDevice
	enc    *wgpu.CommandEncoder
}

func (e *wgpuEncoder) Dispatch(program Program, workgroups [3]uint32) error {
	p, ok := program.(*wgpuProgram)
	if !ok || p.pipeline == nil {
		return fmt.Errorf("%w: program is not a live wgpu program", ErrReleased)
	}

	e.device.mu.Lock()
	defer e.device.mu.Unlock()
	if e.enc == nil {
		return ErrReleased
	}

	pass := e.enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	for i, bg := range p.groups {
		if bg != nil {
			pass.SetBindGroup(uint32(i), bg, nil)
		}
	}
	pass.DispatchWorkgroups(workgroups[0], workgroups[1], workgroups[2])
	pass.End()
	pass.Release()
	return nil
}

func (e *wgpuEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	s, ok := src.(*wgpuBuffer)
	if !ok {
		return ErrInvalidUsage
	}
	d, ok := dst.(*wgpuBuffer)
	if !ok {
		return ErrInvalidUsage
	}
	if !s.usage.Has(BufferUsageCopySrc) || !d.usage.Has(BufferUsageCopyDst) {
		return fmt.Errorf("%w: copy %q -> %q", ErrInvalidUsage, s.label, d.label)
	}
	if err := ValidateCopyRange(s.size, srcOffset, size); err != nil {
		return err
	}
	if err := ValidateCopyRange(d.size, dstOffset, size); err != nil {
		return err
	}

	e.device.mu.Lock()
	defer e.device.mu.Unlock()
	if e.enc == nil {
		return ErrReleased
	}
	return e.enc.CopyBufferToBuffer(s.buf, srcOffset, d.buf, dstOffset, size)
}

func (e *wgpuEncoder) Finish() (CommandBuffer, error) {
	e.device.mu.Lock()
	defer e.device.mu.Unlock()
	if e.enc == nil {
		return nil, ErrReleased
	}

	cb, err := e.enc.Finish(nil)
	e.enc.Release()
	e.enc = nil
	if err != nil {
		return nil, fmt.Errorf("failed to finish command encoder: %w", err)
	}
	return &wgpuCommandBuffer{cb: cb}, nil
}

func (e *wgpuEncoder) Release() {
	e.device.mu.Lock()
	defer e.device.mu.Unlock()
	if e.enc != nil {
		e.enc.Release()
		e.enc = nil
	}
}

type wgpuCommandBuffer struct {
	cb *wgpu.CommandBuffer
}

func (c *wgpuCommandBuffer) Release() {
	if c.cb != nil {
		c.cb.Release()
		c.cb = nil
	}
}
