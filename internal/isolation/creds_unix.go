//go:build unix

package isolation

import (
	"os"
	"os/exec"
	"syscall"
)

// dropPrivileges makes cmd start as limits.RunAsUID with no supplementary
// groups. Only root may switch identity, so other hosts are left as is.
func dropPrivileges(cmd *exec.Cmd, limits ResourceLimits) {
	applyCredential(cmd, limits, os.Geteuid())
}

func applyCredential(cmd *exec.Cmd, limits ResourceLimits, euid int) {
	if euid != 0 || limits.RunAsUID == 0 {
		return
	}
	gid := limits.RunAsGID
	if gid == 0 {
		gid = limits.RunAsUID
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: limits.RunAsUID, Gid: gid, Groups: []uint32{}}
}
