package buildinfo

// Version is set at build time via -ldflags.
var Version = "dev"

// Commit is set at build time via -ldflags.
var Commit = "unknown"

// Date is set at build time via -ldflags.
var Date = "unknown"

// ABI is the syscall ABI version this build's kernel implements. Boot images
// declare the version they were built against.
const ABI = "1.0.0"

// ABIConstraint is the range of image ABI versions the kernel accepts.
const ABIConstraint = "^1.0"

// Short returns a compact build identifier for logging.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}
