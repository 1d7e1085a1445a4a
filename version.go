package unitmgr

// Version is the current version of the unitmgr library
const Version = "1.0.0"

// Features lists the optional capabilities compiled in, in the
// +FEATURE/-FEATURE notation of the Features attribute
const Features = "+TRANSIENT +SNAPSHOT +PRESET +WATCHDOG +FSNOTIFY -SELINUX -AUDIT"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Interface is the control interface name
	Interface string
	// Features is the feature string
	Features string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Interface: ManagerInterface,
		Features:  Features,
	}
}
