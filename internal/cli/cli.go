// Package cli holds conventions shared by the operator commands.
package cli

// Exit codes for the operator commands.
const (
	ExitOK    = 0 // the command did work or surfaced findings
	ExitFatal = 1
	ExitNoop  = 2 // nothing to do
)

// ExitCode maps a command outcome onto the shared convention: any failure is
// fatal, findings (or work done) are ok, and a clean run with nothing to act
// on is a no-op.
func ExitCode(fatal bool, findings int) int {
	switch {
	case fatal:
		return ExitFatal
	case findings > 0:
		return ExitOK
	default:
		return ExitNoop
	}
}
