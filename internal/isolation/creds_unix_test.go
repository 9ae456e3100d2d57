//go:build unix

package isolation

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCredential(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		euid    int
		wantUID uint32
		wantGID uint32
		dropped bool
	}{
		{"root drops to nobody", ResourceLimits{RunAsUID: NobodyID, RunAsGID: NobodyID}, 0, NobodyID, NobodyID, true},
		{"gid defaults to uid", ResourceLimits{RunAsUID: 1500}, 0, 1500, 1500, true},
		{"non-root keeps identity", ResourceLimits{RunAsUID: NobodyID}, 1000, 0, 0, false},
		{"no identity configured", ResourceLimits{}, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command("true")
			applyCredential(cmd, tt.limits, tt.euid)
			if !tt.dropped {
				if cmd.SysProcAttr != nil {
					assert.Nil(t, cmd.SysProcAttr.Credential)
				}
				return
			}
			require.NotNil(t, cmd.SysProcAttr)
			require.NotNil(t, cmd.SysProcAttr.Credential)
			assert.Equal(t, tt.wantUID, cmd.SysProcAttr.Credential.Uid)
			assert.Equal(t, tt.wantGID, cmd.SysProcAttr.Credential.Gid)
			assert.Empty(t, cmd.SysProcAttr.Credential.Groups)
		})
	}
}
