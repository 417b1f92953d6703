// Package fabric brings up the software LANs (VDE switches) that machines
// attach to, before any machine is started (spec §4.4).
package fabric

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/creack/pty"
)

// VLAN is one running vde_switch instance.
type VLAN struct {
	ID      string
	CtlPath string

	cmd    *exec.Cmd
	ptyM   *os.File
	ptyT   *os.File
}

// ParseVLANList splits and de-duplicates a whitespace-separated VLAN id
// list, preserving first-seen order, matching the original's
// `list(dict.fromkeys(os.environ["VLANS"].split()))`.
func ParseVLANList(env string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range strings.Fields(env) {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Start launches one vde_switch per id in dir (ordinarily the process's
// working directory), publishes each switch's control socket path as
// QEMU_VDE_SOCKET_<id> in the current process environment, and returns the
// set of running switches in the same order as ids.
//
// The version handshake in startOne has no timeout, mirroring the
// original implementation; a misbehaving vde_switch can hang Start
// indefinitely. This is a known, intentionally preserved defect (spec §9,
// open question (i)), not silently fixed here.
func Start(dir string, ids []string) ([]*VLAN, error) {
	vlans := make([]*VLAN, 0, len(ids))
	for _, id := range ids {
		v, err := startOne(dir, id)
		if err != nil {
			StopAll(vlans)
			return nil, fmt.Errorf("fabric: starting vlan %s: %w", id, err)
		}
		vlans = append(vlans, v)
		if err := os.Setenv(fmt.Sprintf("QEMU_VDE_SOCKET_%s", id), v.CtlPath); err != nil {
			StopAll(vlans)
			return nil, err
		}
	}
	return vlans, nil
}

func startOne(dir, id string) (*VLAN, error) {
	ctl, err := filepath.Abs(filepath.Join(dir, fmt.Sprintf("vde%s.ctl", id)))
	if err != nil {
		return nil, err
	}

	ptyMaster, ptySlave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}

	cmd := exec.Command("vde_switch", "-s", ctl, "--dirmode", "0777")
	cmd.Stdin = ptySlave
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ptyMaster.Close()
		ptySlave.Close()
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		ptyMaster.Close()
		ptySlave.Close()
		return nil, fmt.Errorf("start vde_switch: %w", err)
	}
	ptySlave.Close()

	if _, err := ptyMaster.WriteString("version\n"); err != nil {
		cmd.Process.Kill()
		ptyMaster.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	// Blocks until the switch answers; see the Start doc comment.
	if _, err := bufio.NewReader(stdout).ReadString('\n'); err != nil {
		cmd.Process.Kill()
		ptyMaster.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}

	if _, err := os.Stat(filepath.Join(ctl, "ctl")); err != nil {
		cmd.Process.Kill()
		ptyMaster.Close()
		return nil, fmt.Errorf("cannot start vde_switch")
	}

	return &VLAN{ID: id, CtlPath: ctl, cmd: cmd, ptyM: ptyMaster, ptyT: ptySlave}, nil
}

// Stop kills this switch's process. It does not return an error: cleanup is
// best-effort, matching the driver's at-exit hook contract (spec §4.5.2).
func (v *VLAN) Stop() {
	if v.cmd != nil && v.cmd.Process != nil {
		v.cmd.Process.Kill()
	}
	if v.ptyM != nil {
		v.ptyM.Close()
	}
}

// StopAll stops every VLAN switch. Safe to call on a partially-started
// slice (e.g. during Start failure cleanup).
func StopAll(vlans []*VLAN) {
	for _, v := range vlans {
		v.Stop()
	}
}

func (v *VLAN) WriteString(s string) (int, error) { return v.ptyM.WriteString(s) }
