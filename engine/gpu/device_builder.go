package gpu

import (
	"log/slog"
	"runtime"
)

// deviceConfig collects the options applied by NewDevice and NewSoftwareDevice.
type deviceConfig struct {
	backend              BackendType
	label                string
	logger               *slog.Logger
	limits               *Limits
	workers              int
	kernels              map[string]Kernel
	forceFallbackAdapter bool
	highPerformance      bool
}

func defaultDeviceConfig() *deviceConfig {
	return &deviceConfig{
		backend: BackendTypeWGPU,
		label:   "Main Device",
		workers: runtime.NumCPU(),
		kernels: make(map[string]Kernel),
	}
}

// DeviceBuilderOption is a functional option applied to a device during construction via NewDevice.
type DeviceBuilderOption func(*deviceConfig)

// WithBackend selects the device implementation. The default is BackendTypeWGPU.
//
// Parameters:
//   - backend: the BackendType to create
//
// Returns:
//   - DeviceBuilderOption: a function that applies the backend option to a device
func WithBackend(backend BackendType) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.backend = backend
	}
}

// WithLabel sets the debug label of the device.
//
// Parameters:
//   - label: the label to use
//
// Returns:
//   - DeviceBuilderOption: a function that applies the label option to a device
func WithLabel(label string) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.label = label
	}
}

// WithLogger sets the logger the device reports through. When unset the package logger is used.
//
// Parameters:
//   - l: the slog.Logger to use
//
// Returns:
//   - DeviceBuilderOption: a function that applies the logger option to a device
func WithLogger(l *slog.Logger) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.logger = l
	}
}

// WithLimits overrides the limits requested from the adapter, or reported by the software device.
//
// Parameters:
//   - limits: the Limits to request
//
// Returns:
//   - DeviceBuilderOption: a function that applies the limits option to a device
func WithLimits(limits Limits) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.limits = &limits
	}
}

// WithWorkers sets the number of pool workers the software device runs workgroups on.
// Values below one are ignored. The default is runtime.NumCPU().
//
// Parameters:
//   - n: the worker count
//
// Returns:
//   - DeviceBuilderOption: a function that applies the workers option to a device
func WithWorkers(n int) DeviceBuilderOption {
	return func(c *deviceConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithKernel registers a Go kernel for a shader entry point on the software device.
// The wgpu device ignores it.
//
// Parameters:
//   - entryPoint: the WGSL entry point name the kernel implements
//   - k: the kernel
//
// Returns:
//   - DeviceBuilderOption: a function that applies the kernel option to a device
func WithKernel(entryPoint string, k Kernel) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.kernels[entryPoint] = k
	}
}

// WithForceFallbackAdapter forces wgpu to pick a CPU fallback adapter. This requires a software
// Vulkan ICD such as lavapipe or SwiftShader to be installed.
//
// Parameters:
//   - force: true to force the fallback adapter
//
// Returns:
//   - DeviceBuilderOption: a function that applies the fallback adapter option to a device
func WithForceFallbackAdapter(force bool) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.forceFallbackAdapter = force
	}
}

// WithHighPerformance asks the adapter request to prefer a discrete GPU.
func WithHighPerformance(prefer bool) DeviceBuilderOption {
	return func(c *deviceConfig) {
		c.highPerformance = prefer
	}
}

// NewDevice creates a Device for the configured backend.
//
// Parameters:
//   - options: variadic list of DeviceBuilderOption functions to configure the device
//
// Returns:
//   - Device: the created device
//   - error: an error if no adapter or device could be acquired
func NewDevice(options ...DeviceBuilderOption) (Device, error) {
	cfg := defaultDeviceConfig()
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.backend == BackendTypeSoftware {
		return newSoftwareDevice(cfg), nil
	}
	return newWGPUDevice(cfg)
}

// NewSoftwareDevice creates a CPU device. The backend option is ignored.
//
// Parameters:
//   - options: variadic list of DeviceBuilderOption functions to configure the device
//
// Returns:
//   - *SoftwareDevice: the created device
func NewSoftwareDevice(options ...DeviceBuilderOption) *SoftwareDevice {
	cfg := defaultDeviceConfig()
	cfg.label = "Software Device"
	for _, opt := range options {
		opt(cfg)
	}
	return newSoftwareDevice(cfg)
}
