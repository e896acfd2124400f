package gpu

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
	"github.com/Carmen-Shannon/oxy-compute/engine/shader"
)

// SoftwareDevice is a Device that runs compute programs as Go kernels on a worker pool. Queue
// writes apply immediately, submitted commands run synchronously inside Submit, and map callbacks
// fire on the next Poll, so ordering observed by callers matches a WebGPU queue.
type SoftwareDevice struct {
	mu     sync.Mutex
	label  string
	log    *slog.Logger
	limits Limits

	kernels map[string]Kernel
	pool    worker.DynamicWorkerPool
	taskID  int

	pendingMaps []*softwareMap
	released    bool
}

var _ Device = (*SoftwareDevice)(nil)

type softwareMap struct {
	buf          *softwareBuffer
	offset, size uint64
	callback     func(error)
}

func newSoftwareDevice(cfg *deviceConfig) *SoftwareDevice {
	limits := DefaultLimits()
	if cfg.limits != nil {
		limits = *cfg.limits
	}
	d := &SoftwareDevice{
		label:   cfg.label,
		log:     logger.Or(cfg.logger).With("device", cfg.label, "backend", BackendTypeSoftware.String()),
		limits:  limits,
		kernels: make(map[string]Kernel, len(cfg.kernels)),
		pool:    worker.NewDynamicWorkerPool(cfg.workers, 256, 1*time.Second),
	}
	for name, k := range cfg.kernels {
		d.kernels[name] = k
	}
	d.log.Debug("device created", "workers", cfg.workers)
	return d
}

// RegisterKernel binds a Go kernel to a shader entry point name. Programs created afterwards for
// that entry point dispatch the kernel.
//
// Parameters:
//   - entryPoint: the WGSL entry point name
//   - k: the kernel implementing it
func (d *SoftwareDevice) RegisterKernel(entryPoint string, k Kernel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[entryPoint] = k
}

func (d *SoftwareDevice) Label() string {
	return d.label
}

func (d *SoftwareDevice) BackendType() BackendType {
	return BackendTypeSoftware
}

func (d *SoftwareDevice) Limits() Limits {
	return d.limits
}

func (d *SoftwareDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil, ErrReleased
	}
	if d.limits.MaxBufferSize > 0 && desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer %q of %d bytes exceeds max buffer size %d", ErrOutOfBounds, desc.Label, desc.Size, d.limits.MaxBufferSize)
	}
	return &softwareBuffer{
		device: d,
		label:  desc.Label,
		usage:  desc.Usage,
		data:   make([]byte, desc.Size),
	}, nil
}

func (d *SoftwareDevice) WriteBuffer(buf Buffer, offset uint64, data []byte) error {
	b, ok := buf.(*softwareBuffer)
	if !ok {
		return fmt.Errorf("%w: buffer %q belongs to another backend", ErrInvalidUsage, buf.Label())
	}
	if !b.usage.Has(BufferUsageCopyDst) {
		return fmt.Errorf("%w: write to %q without CopyDst", ErrInvalidUsage, b.label)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || b.released {
		return ErrReleased
	}
	if err := ValidateCopyRange(uint64(len(b.data)), offset, uint64(len(data))); err != nil {
		return fmt.Errorf("write of %d bytes at %d into %q: %w", len(data), offset, b.label, err)
	}
	if b.mapState != mapStateUnmapped {
		return fmt.Errorf("%w: write to mapped buffer %q", ErrMapPending, b.label)
	}
	copy(b.data[offset:], data)
	return nil
}

func (d *SoftwareDevice) CreateProgram(desc ProgramDescriptor) (Program, error) {
	reflection, err := shader.Reflect(desc.Source)
	if err != nil {
		return nil, err
	}
	ep, ok := reflection.ComputeEntryPoint(desc.EntryPoint)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryPointNotFound, desc.EntryPoint)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	kernel, ok := d.kernels[desc.EntryPoint]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKernelNotRegistered, desc.EntryPoint)
	}
	if ep.Invocations() > uint64(d.limits.MaxComputeInvocationsPerWorkgroup) {
		return nil, fmt.Errorf("workgroup size %v exceeds %d invocations", ep.WorkgroupSize, d.limits.MaxComputeInvocationsPerWorkgroup)
	}

	p := &softwareProgram{
		label:         desc.Label,
		entryPoint:    desc.EntryPoint,
		kernel:        kernel,
		workgroupSize: ep.WorkgroupSize,
		bindings:      make([]softwareBinding, 0, len(desc.Bindings)),
	}
	for _, b := range desc.Bindings {
		sb, ok := b.Buffer.(*softwareBuffer)
		if !ok {
			return nil, fmt.Errorf("%w: binding (%d, %d) is not a software buffer", ErrInvalidUsage, b.Group, b.Binding)
		}
		size := b.Size
		if size == 0 {
			size = uint64(len(sb.data)) - b.Offset
		}
		if b.Offset+size > uint64(len(sb.data)) {
			return nil, fmt.Errorf("%w: binding (%d, %d) range [%d, %d) of %q", ErrOutOfBounds, b.Group, b.Binding, b.Offset, b.Offset+size, sb.label)
		}
		p.bindings = append(p.bindings, softwareBinding{group: b.Group, binding: b.Binding, buf: sb, offset: b.Offset, size: size})
	}
	return p, nil
}

func (d *SoftwareDevice) CreateEncoder(label string) (Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	return &softwareEncoder{device: d, label: label}, nil
}

func (d *SoftwareDevice) Submit(commands ...CommandBuffer) error {
	for _, c := range commands {
		cb, ok := c.(*softwareCommandBuffer)
		if !ok || cb.commands == nil {
			return fmt.Errorf("%w: command buffer was not produced by this device", ErrInvalidUsage)
		}
		for _, cmd := range cb.commands {
			if err := cmd(); err != nil {
				return err
			}
		}
		cb.commands = nil
	}
	return nil
}

func (d *SoftwareDevice) Poll(wait bool) bool {
	d.mu.Lock()
	pending := d.pendingMaps
	d.pendingMaps = nil
	results := make([]error, len(pending))
	for i, m := range pending {
		if m.buf.released {
			results[i] = ErrMapAborted
			continue
		}
		m.buf.mapState = mapStateMapped
		m.buf.mapOffset, m.buf.mapSize = m.offset, m.size
	}
	d.mu.Unlock()

	for i, m := range pending {
		m.callback(results[i])
	}
	return true
}

func (d *SoftwareDevice) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	pending := d.pendingMaps
	d.pendingMaps = nil
	d.mu.Unlock()

	for _, m := range pending {
		m.callback(ErrMapAborted)
	}
	d.pool.Stop()
	d.log.Debug("device released")
}

// dispatch runs one workgroup per pool task and blocks until the grid has finished. A kernel panic
// is recovered and returned as an error.
func (d *SoftwareDevice) dispatch(p *softwareProgram, workgroups [3]uint32) error {
	bindings := make(map[[2]uint32][]byte, len(p.bindings))
	for _, b := range p.bindings {
		if b.buf.released {
			return fmt.Errorf("%w: buffer %q bound at (%d, %d)", ErrReleased, b.buf.label, b.group, b.binding)
		}
		bindings[[2]uint32{b.group, b.binding}] = b.buf.data[b.offset : b.offset+b.size]
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for z := range workgroups[2] {
		for y := range workgroups[1] {
			for x := range workgroups[0] {
				wg.Add(1)
				id := [3]uint32{x, y, z}
				d.mu.Lock()
				taskID := d.taskID
				d.taskID++
				d.mu.Unlock()
				d.pool.SubmitTask(worker.Task{
					ID:      taskID,
					Payload: id,
					Do: func() (any, error) {
						defer wg.Done()
						defer func() {
							if r := recover(); r != nil {
								errMu.Lock()
								if firstErr == nil {
									firstErr = fmt.Errorf("kernel %q panicked in workgroup %v: %v", p.entryPoint, id, r)
								}
								errMu.Unlock()
							}
						}()
						runWorkgroup(p, id, workgroups, bindings)
						return nil, nil
					},
				})
			}
		}
	}
	wg.Wait()

	if firstErr != nil {
		d.log.Error("dispatch failed", "program", p.label, "error", firstErr)
	}
	return firstErr
}

func runWorkgroup(p *softwareProgram, id, grid [3]uint32, bindings map[[2]uint32][]byte) {
	size := p.workgroupSize
	inv := &Invocation{
		WorkgroupID:   id,
		NumWorkgroups: grid,
		WorkgroupSize: size,
		bindings:      bindings,
	}
	for lz := range size[2] {
		for ly := range size[1] {
			for lx := range size[0] {
				inv.LocalInvocationID = [3]uint32{lx, ly, lz}
				inv.GlobalInvocationID = [3]uint32{
					id[0]*size[0] + lx,
					id[1]*size[1] + ly,
					id[2]*size[2] + lz,
				}
				p.kernel(inv)
			}
		}
	}
}

type mapState int

const (
	mapStateUnmapped mapState = iota
	mapStatePending
	mapStateMapped
)

type softwareBuffer struct {
	device *SoftwareDevice
	label  string
	usage  BufferUsage
	data   []byte

	mapState           mapState
	mapOffset, mapSize uint64
	released           bool
}

func (b *softwareBuffer) Label() string      { return b.label }
func (b *softwareBuffer) Size() uint64       { return uint64(len(b.data)) }
func (b *softwareBuffer) Usage() BufferUsage { return b.usage }

func (b *softwareBuffer) MapAsync(offset, size uint64, callback func(error)) error {
	if !b.usage.Has(BufferUsageMapRead) {
		return fmt.Errorf("%w: map of %q without MapRead", ErrInvalidUsage, b.label)
	}
	if offset%MapAlignment != 0 || size%CopyBufferAlignment != 0 {
		return ErrUnaligned
	}
	if offset+size > uint64(len(b.data)) {
		return ErrOutOfBounds
	}

	d := b.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	if b.mapState != mapStateUnmapped {
		return fmt.Errorf("%w: %q", ErrMapPending, b.label)
	}
	b.mapState = mapStatePending
	d.pendingMaps = append(d.pendingMaps, &softwareMap{buf: b, offset: offset, size: size, callback: callback})
	return nil
}

func (b *softwareBuffer) MappedRange(offset, size uint64) []byte {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.released || b.mapState != mapStateMapped {
		return nil
	}
	if offset < b.mapOffset || offset+size > b.mapOffset+b.mapSize {
		return nil
	}
	return b.data[offset : offset+size]
}

func (b *softwareBuffer) Unmap() {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.mapState == mapStateMapped {
		b.mapState = mapStateUnmapped
	}
}

func (b *softwareBuffer) Release() {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	b.released = true
}

type softwareBinding struct {
	group, binding uint32
	buf            *softwareBuffer
	offset, size   uint64
}

type softwareProgram struct {
	label         string
	entryPoint    string
	kernel        Kernel
	workgroupSize [3]uint32
	bindings      []softwareBinding
	released      bool
}

func (p *softwareProgram) Label() string      { return p.label }
func (p *softwareProgram) EntryPoint() string { return p.entryPoint }
func (p *softwareProgram) Release()           { p.released = true }

type softwareEncoder struct {
	device   *SoftwareDevice
	label    string
	commands []func() error
	finished bool
}

func (e *softwareEncoder) Dispatch(program Program, workgroups [3]uint32) error {
	if e.finished {
		return ErrReleased
	}
	p, ok := program.(*softwareProgram)
	if !ok || p.released {
		return fmt.Errorf("%w: program is not a live software program", ErrReleased)
	}
	e.commands = append(e.commands, func() error {
		if p.released {
			return fmt.Errorf("%w: program %q", ErrReleased, p.label)
		}
		return e.device.dispatch(p, workgroups)
	})
	return nil
}

func (e *softwareEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	if e.finished {
		return ErrReleased
	}
	s, ok := src.(*softwareBuffer)
	if !ok {
		return ErrInvalidUsage
	}
	d, ok := dst.(*softwareBuffer)
	if !ok {
		return ErrInvalidUsage
	}
	if !s.usage.Has(BufferUsageCopySrc) || !d.usage.Has(BufferUsageCopyDst) {
		return fmt.Errorf("%w: copy %q -> %q", ErrInvalidUsage, s.label, d.label)
	}
	if err := ValidateCopyRange(s.Size(), srcOffset, size); err != nil {
		return err
	}
	if err := ValidateCopyRange(d.Size(), dstOffset, size); err != nil {
		return err
	}
	e.commands = append(e.commands, func() error {
		if s.released || d.released {
			return fmt.Errorf("%w: copy %q -> %q", ErrReleased, s.label, d.label)
		}
		copy(d.data[dstOffset : dstOffset+size], s.data[srcOffset : srcOffset+size])
		return nil
	})
	return nil
}

func (e *softwareEncoder) Finish() (CommandBuffer, error) {
	if e.finished {
		return nil, ErrReleased
	}
	e.finished = true
	cmds := e.commands
	if cmds == nil {
		cmds = []func() error{}
	}
	e.commands = nil
	return &softwareCommandBuffer{commands: cmds}, nil
}

func (e *softwareEncoder) Release() {
	e.finished = true
	e.commands = nil
}

type softwareCommandBuffer struct {
	commands []func() error
}

func (c *softwareCommandBuffer) Release() {
	c.commands = nil
}
