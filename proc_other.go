//go:build !unix

package escapexl

import "os/exec"

// setProcessGroup keeps the default behaviour of killing only the filter
// process on cancellation.
func setProcessGroup(cmd *exec.Cmd) {}
