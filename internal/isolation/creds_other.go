//go:build !unix

package isolation

import "os/exec"

func dropPrivileges(*exec.Cmd, ResourceLimits) {}
