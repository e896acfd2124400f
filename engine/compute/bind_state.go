package compute

// BindState tracks whether a pass's compiled program and bind groups match its buffer set.
//
//	Unbuilt --AddBuffer/Resize/Recreate--> Dirty --Dispatch--> Bound --AddBuffer/Resize/Recreate--> Dirty
type BindState int

const (
	// BindStateUnbuilt is the state of a new pass; nothing has been built yet.
	BindStateUnbuilt BindState = iota

	// BindStateDirty means the buffer set or shader changed since the last build.
	BindStateDirty

	// BindStateBound means the program matches the buffer set and may be dispatched as is.
	BindStateBound
)

func (s BindState) String() string {
	switch s {
	case BindStateUnbuilt:
		return "unbuilt"
	case BindStateDirty:
		return "dirty"
	case BindStateBound:
		return "bound"
	}
	return "unknown"
}

// NeedsRebuild reports whether the program must be rebuilt before the next dispatch.
func (s BindState) NeedsRebuild() bool {
	return s != BindStateBound
}

