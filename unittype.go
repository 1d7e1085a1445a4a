package unitmgr

// UnitKind represents the type of a unit, derived from its name suffix
type UnitKind int

const (
	// KindUnknown represents an unrecognized suffix
	KindUnknown UnitKind = iota
	// KindService represents a supervised process
	KindService
	// KindSocket represents a listening socket
	KindSocket
	// KindTarget represents a synchronization point
	KindTarget
	// KindDevice represents a kernel device
	KindDevice
	// KindMount represents a file system mount point
	KindMount
	// KindAutomount represents an automount point
	KindAutomount
	// KindSwap represents a swap device or file
	KindSwap
	// KindTimer represents a timer
	KindTimer
	// KindPath represents a watched path
	KindPath
	// KindSlice represents a resource slice
	KindSlice
	// KindScope represents externally created processes
	KindScope
	// KindSnapshot represents a saved set of unit states
	KindSnapshot
)

// UnitKind string constants
const (
	kindUnknownStr   = "unknown"
	kindServiceStr   = "service"
	kindSocketStr    = "socket"
	kindTargetStr    = "target"
	kindDeviceStr    = "device"
	kindMountStr     = "mount"
	kindAutomountStr = "automount"
	kindSwapStr      = "swap"
	kindTimerStr     = "timer"
	kindPathStr      = "path"
	kindSliceStr     = "slice"
	kindScopeStr     = "scope"
	kindSnapshotStr  = "snapshot"
)

// KindCapabilities is the static capability record of a unit kind
type KindCapabilities struct {
	// Suffix is the unit name suffix without the dot
	Suffix string
	// SupportsTransient indicates StartTransientUnit may create this kind
	SupportsTransient bool
	// CanReload indicates units of this kind may implement reload
	CanReload bool
	// CanIsolate indicates the isolate job mode may target this kind
	CanIsolate bool
	// OnDisk indicates units of this kind may be installed from unit files
	OnDisk bool
}

var kindTable = map[UnitKind]KindCapabilities{
	KindService:   {Suffix: kindServiceStr, SupportsTransient: true, CanReload: true, OnDisk: true},
	KindSocket:    {Suffix: kindSocketStr, OnDisk: true},
	KindTarget:    {Suffix: kindTargetStr, CanIsolate: true, OnDisk: true},
	KindDevice:    {Suffix: kindDeviceStr},
	KindMount:     {Suffix: kindMountStr, CanReload: true, OnDisk: true},
	KindAutomount: {Suffix: kindAutomountStr, OnDisk: true},
	KindSwap:      {Suffix: kindSwapStr, OnDisk: true},
	KindTimer:     {Suffix: kindTimerStr, OnDisk: true},
	KindPath:      {Suffix: kindPathStr, OnDisk: true},
	KindSlice:     {Suffix: kindSliceStr, OnDisk: true},
	KindScope:     {Suffix: kindScopeStr, SupportsTransient: true},
	KindSnapshot:  {Suffix: kindSnapshotStr, CanIsolate: true},
}

// String returns the string representation of a UnitKind
func (k UnitKind) String() string {
	if c, ok := kindTable[k]; ok {
		return c.Suffix
	}
	return kindUnknownStr
}

// Capabilities returns the capability record of k
func (k UnitKind) Capabilities() KindCapabilities {
	return kindTable[k]
}

// KindFromSuffix resolves a name suffix (without dot) to a UnitKind
func KindFromSuffix(suffix string) (UnitKind, bool) {
	for k, c := range kindTable {
		if c.Suffix == suffix {
			return k, true
		}
	}
	return KindUnknown, false
}

// KindFromName resolves a unit name to its UnitKind
func KindFromName(name string) (UnitKind, bool) {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' {
			return KindFromSuffix(name[i+1:])
		}
	}
	return KindUnknown, false
}
