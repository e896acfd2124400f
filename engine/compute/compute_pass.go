package compute

import (
	"fmt"
	"log/slog"
	"weak"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/shader"
)

// computePass is the implementation of the ComputePass interface.
type computePass struct {
	// label is the pass's debug label, also attached to its log records.
	label string
	// device is the device the pass compiles and records on, shared with the owning pipeline.
	device gpu.Device
	// baseLog is the pipeline's logger; log is derived from it whenever the label changes.
	baseLog *slog.Logger
	log     *slog.Logger

	// source is the WGSL text compiled at the next Dispatch when state is not BindStateReady.
	source string
	// entryPoint names the @compute function dispatched from source.
	entryPoint string
	// workgroups is the dispatch grid in workgroups along x, y and z.
	workgroups [3]uint32

	// storage owns every buffer bound by the pass, including render buffers and their windows.
	storage *BufferStorage
	// state tracks whether program and its bindings must be rebuilt before the next dispatch.
	state BindState
	// program is the compiled shader and bindings, or nil until the first successful Dispatch.
	program gpu.Program

	// retiredPrograms were replaced by a rebuild but may be referenced by recorded dispatches.
	retiredPrograms []gpu.Program
	// encoder is the open command encoder, or nil when nothing was recorded since the last Finish.
	encoder gpu.Encoder

	// released is set by Release; every later operation fails with ErrReleased.
	released bool
}

// ComputePass is a single dispatchable unit: a WGSL shader, its entry point, the buffers it binds
// and the workgroup grid it runs over.
//
// A pass records commands; nothing runs until the owning ComputePipeline's Update. A pass is not
// safe for concurrent use.
type ComputePass interface {
	// Label retrieves the pass's debug label.
	Label() string

	// SetLabel sets the pass's debug label.
	SetLabel(label string)

	// ShaderSource retrieves the WGSL source.
	ShaderSource() string

	// SetShaderSource sets the WGSL source. The shader is compiled at the next Dispatch.
	//
	// Parameters:
	//   - source: the WGSL source text
	SetShaderSource(source string)

	// EntryPoint retrieves the name of the compute entry point.
	EntryPoint() string

	// SetShaderEntryPoint sets the name of the compute entry point. It is checked against the shader
	// at the next Dispatch.
	//
	// Parameters:
	//   - name: the @compute function name
	SetShaderEntryPoint(name string)

	// Workgroups retrieves the workgroup grid.
	Workgroups() [3]uint32

	// SetWorkgroups sets the number of workgroups dispatched in each dimension. The counts are
	// checked against the device limit at the next Dispatch.
	//
	// Parameters:
	//   - x: workgroups along x
	//   - y: workgroups along y
	//   - z: workgroups along z
	SetWorkgroups(x, y, z uint32)

	// SetWorkgroupsForCount sets a grid of at least groupCount workgroups that fits the device's
	// per-dimension limit, see FactorWorkgroups.
	//
	// Parameters:
	//   - groupCount: the number of workgroups needed
	//
	// Returns:
	//   - error: ErrWorkgroupCapacity if no grid within the limit holds groupCount workgroups
	SetWorkgroupsForCount(groupCount uint64) error

	// BindState retrieves the state of the pass's compiled program.
	BindState() BindState

	// BufferCount retrieves the number of buffers in the pass, window uniforms included.
	BufferCount() int

	// AddBuffer allocates a buffer for the descriptor and returns its index in the pass.
	//
	// Parameters:
	//   - d: the descriptor; it is copied
	//
	// Returns:
	//   - int: the buffer index, -1 on failure
	//   - error: the reported configuration error
	AddBuffer(d *BufferDescriptor) (int, error)

	// AddRenderBuffer binds a mesh mapper's buffer through a handle and creates the handle's window
	// uniform. The handle records this pass as its associated pass. A handle belongs to one live pass
	// at a time; adding it to another fails with ErrRenderBufferInUse until that pass is released.
	//
	// Parameters:
	//   - h: a handle from a mesh mapper's acquire function
	//
	// Returns:
	//   - error: the reported configuration error
	AddRenderBuffer(h *RenderBufferHandle) error

	// UpdateRenderBuffer refreshes a handle's entry after its mapper reallocated or re-packed the
	// shared buffer.
	//
	// Parameters:
	//   - h: a handle previously added to this pass
	//
	// Returns:
	//   - error: the reported error
	UpdateRenderBuffer(h *RenderBufferHandle) error

	// GetBufferByteSize retrieves the byte size of the buffer at index.
	GetBufferByteSize(index int) (uint64, error)

	// ResizeBuffer reallocates the buffer at index. Its contents are undefined afterwards.
	//
	// Parameters:
	//   - index: the buffer index
	//   - newByteSize: the new size in bytes
	//
	// Returns:
	//   - error: the reported error
	ResizeBuffer(index int, newByteSize uint64) error

	// RecreateBuffer swaps the low-level buffer at index, keeping its (group, binding).
	//
	// Parameters:
	//   - index: the buffer index
	//   - newByteSize: the new size in bytes, ignored for render buffers
	//
	// Returns:
	//   - error: the reported error
	RecreateBuffer(index int, newByteSize uint64) error

	// UpdateBufferData queues a write into the buffer at index, visible to dispatches recorded
	// after this call.
	//
	// Parameters:
	//   - index: the buffer index
	//   - data: the bytes to write, length a multiple of 4
	//   - byteOffset: the destination offset, a multiple of 4
	//
	// Returns:
	//   - error: the reported error; nothing is written on error
	UpdateBufferData(index int, data []byte, byteOffset uint64) error

	// ReadBufferFromGPU requests an asynchronous read-back of the buffer at index. The copy is
	// recorded after every command recorded so far; the callback fires during a later Update.
	//
	// Parameters:
	//   - index: the buffer index; its mode must be BufferModeReadWriteMappableStorage
	//   - callback: receives the bytes, valid only during the call
	//   - userdata: passed through to the callback
	//
	// Returns:
	//   - error: the reported error
	ReadBufferFromGPU(index int, callback MapCallback, userdata any) error

	// Dispatch rebuilds the program if the bind state requires it and records a dispatch over the
	// workgroup grid. It does not block.
	//
	// Returns:
	//   - error: the reported configuration, capacity or device error; nothing is recorded on error
	Dispatch() error

	// Release frees the pass's buffers and program. Pending read-backs are dropped without firing.
	Release()
}

var _ ComputePass = (*computePass)(nil)

func newComputePass(device gpu.Device, log *slog.Logger, options ...ComputePassBuilderOption) *computePass {
	p := &computePass{
		device:     device,
		workgroups: [3]uint32{1, 1, 1},
	}
	for _, opt := range options {
		opt(p)
	}
	p.label = common.DefaultLabel(p.label, "compute-pass")
	p.baseLog = log
	p.storage = newBufferStorage(device, log, p.currentEncoder, p.invalidate)
	p.setLoggers()
	return p
}

func (p *computePass) Label() string {
	return p.label
}

func (p *computePass) SetLabel(label string) {
	p.label = label
	p.setLoggers()
}

func (p *computePass) setLoggers() {
	withPass := p.baseLog.With("pass", p.label)
	p.log = withPass.With("component", "ComputePass")
	p.storage.log = withPass.With("component", "BufferStorage")
}

func (p *computePass) ShaderSource() string {
	return p.source
}

func (p *computePass) SetShaderSource(source string) {
	if source != p.source {
		p.source = source
		p.invalidate()
	}
}

func (p *computePass) EntryPoint() string {
	return p.entryPoint
}

func (p *computePass) SetShaderEntryPoint(name string) {
	if name != p.entryPoint {
		p.entryPoint = name
		p.invalidate()
	}
}

func (p *computePass) Workgroups() [3]uint32 {
	return p.workgroups
}

func (p *computePass) SetWorkgroups(x, y, z uint32) {
	p.workgroups = [3]uint32{x, y, z}
}

func (p *computePass) SetWorkgroupsForCount(groupCount uint64) error {
	grid, err := FactorWorkgroups(groupCount, p.device.Limits().MaxComputeWorkgroupsPerDimension)
	if err != nil {
		p.log.Error(err.Error(), "caller", "SetWorkgroupsForCount", "expected", p.device.Limits().MaxComputeWorkgroupsPerDimension, "actual", groupCount)
		return err
	}
	p.workgroups = grid
	return nil
}

func (p *computePass) BindState() BindState {
	return p.state
}

func (p *computePass) BufferCount() int {
	return p.storage.Len()
}

func (p *computePass) AddBuffer(d *BufferDescriptor) (int, error) {
	return p.storage.AddBuffer(d)
}

func (p *computePass) AddRenderBuffer(h *RenderBufferHandle) error {
	if h != nil {
		if other := h.pass.Value(); other != nil && other != p && !other.released {
			err := fmt.Errorf("%w: %q is bound to pass %q", ErrRenderBufferInUse, h.displayName(), other.label)
			p.log.Error(err.Error(), "caller", "AddRenderBuffer", "group", h.Group(), "binding", h.Binding())
			return err
		}
	}
	if _, err := p.storage.AddRenderBuffer(h); err != nil {
		return err
	}
	h.pass = weak.Make(p)
	return nil
}

func (p *computePass) UpdateRenderBuffer(h *RenderBufferHandle) error {
	return p.storage.UpdateRenderBuffer(h)
}

func (p *computePass) GetBufferByteSize(index int) (uint64, error) {
	return p.storage.GetBufferByteSize(index)
}

func (p *computePass) ResizeBuffer(index int, newByteSize uint64) error {
	return p.storage.ResizeBuffer(index, newByteSize)
}

func (p *computePass) RecreateBuffer(index int, newByteSize uint64) error {
	return p.storage.RecreateBuffer(index, newByteSize)
}

func (p *computePass) UpdateBufferData(index int, data []byte, byteOffset uint64) error {
	return p.storage.UpdateBufferData(index, data, byteOffset)
}

func (p *computePass) ReadBufferFromGPU(index int, callback MapCallback, userdata any) error {
	return p.storage.ReadBufferFromGPU(index, callback, userdata)
}

func (p *computePass) Dispatch() error {
	if p.released {
		return ErrReleased
	}
	if p.source == "" {
		return p.report(fmt.Errorf("%w: pass %q", ErrMissingShader, p.label))
	}
	if p.entryPoint == "" {
		return p.report(fmt.Errorf("%w: pass %q has no entry point", ErrEntryPointNotFound, p.label))
	}
	limit := p.device.Limits().MaxComputeWorkgroupsPerDimension
	if err := checkWorkgroups(p.workgroups, limit); err != nil {
		p.log.Error(err.Error(), "caller", "Dispatch", "expected", limit, "actual", p.workgroups)
		return err
	}
	if err := p.storage.checkRenderBuffers(); err != nil {
		return err
	}
	if p.state.NeedsRebuild() {
		if err := p.rebuild(); err != nil {
			return err
		}
	}

	enc, err := p.currentEncoder()
	if err != nil {
		return p.report(err)
	}
	if err := enc.Dispatch(p.program, p.workgroups); err != nil {
		return p.report(fmt.Errorf("failed to record dispatch: %w", err))
	}
	return nil
}

func (p *computePass) report(err error) error {
	p.log.Error(err.Error(), "caller", "Dispatch")
	return err
}

// invalidate moves the bind state to Dirty. It is called by the storage on every change to the
// buffer set and by the shader setters.
func (p *computePass) invalidate() {
	p.state = BindStateDirty
}

// currentEncoder returns the open encoder, creating one if needed.
func (p *computePass) currentEncoder() (gpu.Encoder, error) {
	if p.encoder != nil {
		return p.encoder, nil
	}
	enc, err := p.device.CreateEncoder(p.label)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder for pass %q: %w", p.label, err)
	}
	p.encoder = enc
	return enc, nil
}

// rebuild validates the buffer set against the shader and compiles a new program.
func (p *computePass) rebuild() error {
	if err := p.validateBindings(); err != nil {
		return err
	}

	program, err := p.device.CreateProgram(gpu.ProgramDescriptor{
		Label:      p.label,
		Source:     p.source,
		EntryPoint: p.entryPoint,
		Bindings:   p.storage.bindings(),
	})
	if err != nil {
		return p.report(fmt.Errorf("failed to build program for pass %q: %w", p.label, err))
	}

	if p.program != nil {
		p.retiredPrograms = append(p.retiredPrograms, p.program)
	}
	p.program = program
	p.state = BindStateBound
	p.log.Debug("program rebuilt", "caller", "Dispatch", "buffers", p.storage.Len())
	return nil
}

// validateBindings checks the shader's declarations against the configured buffers. A shader that
// does not parse is passed to the device unchecked.
func (p *computePass) validateBindings() error {
	reflection, err := shader.Reflect(p.source)
	if err != nil {
		p.log.Warn("shader reflection failed, skipping binding validation", "caller", "Dispatch", "error", err)
		return nil
	}
	if _, ok := reflection.ComputeEntryPoint(p.entryPoint); !ok {
		return p.report(fmt.Errorf("%w: %q in pass %q", ErrEntryPointNotFound, p.entryPoint, p.label))
	}

	declared := make(map[[2]uint32]bool, len(reflection.Bindings))
	for _, b := range reflection.Bindings {
		declared[[2]uint32{b.Group, b.Binding}] = true
		if !b.Kind.IsBuffer() {
			return p.report(fmt.Errorf("%w: %s %q at (%d, %d) cannot be bound by a compute pass", ErrBindingMismatch, b.Kind, b.Name, b.Group, b.Binding))
		}
		i := p.storage.find(b.Group, b.Binding)
		if i < 0 {
			return p.report(fmt.Errorf("%w: shader declares %q at (%d, %d) but no buffer is bound there", ErrBindingMismatch, b.Name, b.Group, b.Binding))
		}
		e := p.storage.entries[i]
		if !e.descriptor.Mode().Matches(b.Kind) {
			p.log.Error("binding qualifier mismatch", "caller", "Dispatch", "index", i, "group", b.Group, "binding", b.Binding, "expected", b.Kind.String(), "actual", e.descriptor.Mode().String())
			return fmt.Errorf("%w: %q at (%d, %d) is declared %s, buffer is %s", ErrBindingMismatch, b.Name, b.Group, b.Binding, b.Kind, e.descriptor.Mode())
		}
		if b.MinBindingSize > 0 && e.allocSize < b.MinBindingSize {
			p.log.Error("buffer smaller than shader binding", "caller", "Dispatch", "index", i, "group", b.Group, "binding", b.Binding, "expected", b.MinBindingSize, "actual", e.allocSize)
			return fmt.Errorf("%w: %q at (%d, %d) needs %d bytes, buffer has %d", ErrBindingMismatch, b.Name, b.Group, b.Binding, b.MinBindingSize, e.allocSize)
		}
	}
	for i, e := range p.storage.entries {
		if !declared[[2]uint32{e.group(), e.binding()}] {
			p.log.Warn("buffer not declared by shader", "caller", "Dispatch", "index", i, "group", e.group(), "binding", e.binding())
		}
	}
	return nil
}

// finish closes the open encoder. It returns nil when nothing was recorded since the last Update.
func (p *computePass) finish() (gpu.CommandBuffer, error) {
	if p.encoder == nil {
		return nil, nil
	}
	enc := p.encoder
	p.encoder = nil
	cb, err := enc.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish pass %q: %w", p.label, err)
	}
	return cb, nil
}

// afterSubmit frees objects that were only kept alive for the submitted commands.
func (p *computePass) afterSubmit() {
	for _, prog := range p.retiredPrograms {
		prog.Release()
	}
	p.retiredPrograms = nil
	p.storage.releaseRetired()
}

func (p *computePass) Release() {
	if p.released {
		return
	}
	p.released = true
	if p.encoder != nil {
		p.encoder.Release()
		p.encoder = nil
	}
	p.afterSubmit()
	if p.program != nil {
		p.program.Release()
		p.program = nil
	}
	p.storage.release()
	p.state = BindStateUnbuilt
	p.log.Debug("pass released")
}

// UpdateBufferValues writes a typed slice into the buffer at index of p.
//
// Parameters:
//   - p: the pass
//   - index: the buffer index
//   - values: the values to write
//   - byteOffset: the destination offset in bytes
//
// Returns:
//   - error: the reported error
func UpdateBufferValues[T any](p ComputePass, index int, values []T, byteOffset uint64) error {
	return p.UpdateBufferData(index, common.SliceToBytes(values), byteOffset)
}
