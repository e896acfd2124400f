package compute

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Carmen-Shannon/oxy-compute/common"
	"github.com/Carmen-Shannon/oxy-compute/engine/gpu"
	"github.com/Carmen-Shannon/oxy-compute/engine/logger"
)

// maxMapPolls bounds the blocking polls Update spends on one batch of read-backs. Requests still
// waiting afterwards stay queued for the next Update.
const maxMapPolls = 8

// computePipeline is the implementation of the ComputePipeline interface.
type computePipeline struct {
	label  string
	device gpu.Device
	logger *slog.Logger
	log    *slog.Logger

	passes []*computePass

	released bool
}

// ComputePipeline is an ordered collection of compute passes sharing one device. Update is the only
// point at which recorded work is submitted and read-back callbacks run.
type ComputePipeline interface {
	// Label retrieves the pipeline's debug label.
	Label() string

	// Device retrieves the device the pipeline's passes allocate on.
	Device() gpu.Device

	// CreateComputePass creates a pass on the pipeline's device and appends it to the pipeline.
	// Passes are submitted in creation order.
	//
	// Parameters:
	//   - options: the pass configuration
	//
	// Returns:
	//   - ComputePass: the new pass
	CreateComputePass(options ...ComputePassBuilderOption) ComputePass

	// Passes retrieves the pipeline's passes in submission order. Released passes are omitted.
	Passes() []ComputePass

	// Update submits every pass's recorded commands in creation order, waits for outstanding
	// read-backs and fires their callbacks.
	//
	// Returns:
	//   - error: the joined encoder and submission errors; read-back failures are logged only
	Update() error

	// Release frees every pass. Outstanding read-backs are dropped without firing.
	Release()
}

var _ ComputePipeline = (*computePipeline)(nil)

// NewComputePipeline creates an empty pipeline on device.
//
// Parameters:
//   - device: the device passes allocate and dispatch on; shared with mesh mappers whose buffers the
//     passes bind
//   - options: the pipeline configuration
//
// Returns:
//   - ComputePipeline: the new pipeline
func NewComputePipeline(device gpu.Device, options ...ComputePipelineBuilderOption) ComputePipeline {
	cp := &computePipeline{device: device}
	for _, opt := range options {
		opt(cp)
	}
	cp.label = common.DefaultLabel(cp.label, "compute-pipeline")
	cp.logger = logger.Or(cp.logger).With("pipeline", cp.label)
	cp.log = cp.logger.With("component", "ComputePipeline")
	return cp
}

func (cp *computePipeline) Label() string {
	return cp.label
}

func (cp *computePipeline) Device() gpu.Device {
	return cp.device
}

func (cp *computePipeline) CreateComputePass(options ...ComputePassBuilderOption) ComputePass {
	p := newComputePass(cp.device, cp.logger, options...)
	if cp.released {
		p.Release()
		cp.log.Error("pass created on a released pipeline", "caller", "CreateComputePass", "pass", p.label)
		return p
	}
	cp.passes = append(cp.passes, p)
	return p
}

func (cp *computePipeline) Passes() []ComputePass {
	out := make([]ComputePass, 0, len(cp.passes))
	for _, p := range cp.passes {
		if !p.released {
			out = append(out, p)
		}
	}
	return out
}

func (cp *computePipeline) Update() error {
	if cp.released {
		return ErrReleased
	}
	cp.passes = slices.DeleteFunc(cp.passes, func(p *computePass) bool { return p.released })
	passes := slices.Clone(cp.passes)

	var errs []error
	var buffers []gpu.CommandBuffer
	for _, p := range passes {
		cb, err := p.finish()
		if err != nil {
			cp.log.Error(err.Error(), "caller", "Update", "pass", p.label)
			errs = append(errs, err)
			p.storage.abandonReads()
			continue
		}
		if cb != nil {
			buffers = append(buffers, cb)
		}
	}

	if len(buffers) > 0 {
		err := cp.device.Submit(buffers...)
		for _, cb := range buffers {
			cb.Release()
		}
		if err != nil {
			err = fmt.Errorf("failed to submit pipeline %q: %w", cp.label, err)
			cp.log.Error(err.Error(), "caller", "Update")
			errs = append(errs, err)
			for _, p := range passes {
				p.storage.abandonReads()
			}
		}
	}
	for _, p := range passes {
		p.afterSubmit()
	}

	pending := 0
	for _, p := range passes {
		p.storage.issueMaps()
		pending += p.storage.pendingReads()
	}
	if pending == 0 {
		return errors.Join(errs...)
	}

	for range maxMapPolls {
		cp.device.Poll(true)
		if cp.waitingReads(passes) == 0 {
			break
		}
	}
	for _, p := range passes {
		// a callback may release a later pass or the whole pipeline
		if p.released {
			continue
		}
		p.storage.drainMaps()
	}
	return errors.Join(errs...)
}

func (cp *computePipeline) waitingReads(passes []*computePass) int {
	n := 0
	for _, p := range passes {
		n += p.storage.waitingReads()
	}
	return n
}

func (cp *computePipeline) Release() {
	if cp.released {
		return
	}
	cp.released = true
	for _, p := range cp.passes {
		p.Release()
	}
	cp.passes = nil
	cp.log.Debug("pipeline released")
}
