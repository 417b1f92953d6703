// Package driver is the top-level orchestrator (spec §4.6): it builds the
// Network Fabric and the Machines named on the command line, binds them
// into a script environment, runs the script, and guarantees cleanup runs
// exactly once regardless of how the script exits.
package driver

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"go.vmtest.dev/driver/internal/fabric"
	"go.vmtest.dev/driver/internal/machine"
	"go.vmtest.dev/driver/internal/xmllog"
)

// machineNameRe extracts a machine's name from its start command, matching
// "run-(.+)-vm$" against the command's first whitespace-separated field; if
// it doesn't match, the machine is named "machine" (spec §4.6).
var machineNameRe = regexp.MustCompile(`run-(.+)-vm$`)

// nameFromScript derives a Machine's name from its start command the way
// the original does: match against the trailing "run-<name>-vm" token of
// the first whitespace-separated field.
func nameFromScript(script string) string {
	fields := splitFields(script)
	if len(fields) == 0 {
		return "machine"
	}
	if m := machineNameRe.FindStringSubmatch(fields[0]); m != nil {
		return m[1]
	}
	return "machine"
}

func splitFields(s string) []string {
	var fields []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' {
			if len(cur) > 0 {
				fields = append(fields, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		fields = append(fields, string(cur))
	}
	return fields
}

// Config is the environment- and argument-derived configuration a Driver
// is built from (spec §6).
type Config struct {
	VMScripts   []string
	VLANs       string
	LogFile     string
	TmpDir      string
	SharedDir   string
	AllowReboot bool
	UseSerial   bool
	// SSHAuthorizedKeyFile, if set, is threaded into every constructed
	// Machine's Config.SSHAuthorizedKeyFile (see internal/machine,
	// internal/sshkey, internal/qemu's SSHAuthorizedKeysFlag).
	SSHAuthorizedKeyFile string
}

// Driver owns the Logger, the Fabric's VLANs, the Machine map, and the
// subtest counters; it is injected into the script environment in place of
// the original's process-wide globals (spec §9 design notes).
type Driver struct {
	log      *xmllog.Logger
	vlans    []*fabric.VLAN
	machines map[string]*machine.Machine
	order    []string

	mu          sync.Mutex
	nrTests     int
	nrSucceeded int

	cleanupOnce sync.Once
}

// New builds the Logger, the Fabric, and one Machine per VM script, in that
// order (spec §4.6's boot order).
func New(cfg Config) (*Driver, error) {
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = os.DevNull
	}
	log, err := xmllog.Open(logFile, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("driver: open log: %w", err)
	}

	d := &Driver{
		log:      log,
		machines: make(map[string]*machine.Machine),
	}

	ids := fabric.ParseVLANList(cfg.VLANs)
	cwd, err := os.Getwd()
	if err != nil {
		d.log.Close()
		return nil, fmt.Errorf("driver: getwd: %w", err)
	}
	vlans, err := fabric.Start(cwd, ids)
	if err != nil {
		d.log.Close()
		return nil, fmt.Errorf("driver: start fabric: %w", err)
	}
	d.vlans = vlans

	for _, script := range cfg.VMScripts {
		name := nameFromScript(script)
		m, err := machine.New(machine.Config{
			Name:                 name,
			Script:               script,
			AllowReboot:          cfg.AllowReboot,
			TmpDir:               cfg.TmpDir,
			SharedDir:            cfg.SharedDir,
			UseSerial:            cfg.UseSerial,
			SSHAuthorizedKeyFile: cfg.SSHAuthorizedKeyFile,
		}, d.log)
		if err != nil {
			fabric.StopAll(d.vlans)
			d.log.Close()
			return nil, fmt.Errorf("driver: construct machine: %w", err)
		}
		d.machines[name] = m
		d.order = append(d.order, name)
	}

	return d, nil
}

// Machines returns every constructed Machine, in construction order, for
// binding into a script evaluation environment.
func (d *Driver) Machines() []*machine.Machine {
	out := make([]*machine.Machine, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.machines[name])
	}
	return out
}

// Machine looks up a constructed Machine by name.
func (d *Driver) Machine(name string) (*machine.Machine, bool) {
	m, ok := d.machines[name]
	return m, ok
}

// StartAll starts every machine; it does not wait for them serially in the
// sense of blocking a caller-visible script step per machine, but each
// Start call itself blocks until that machine's monitor prompt appears
// (spec §4.5.1). Errors from any machine abort the remaining starts.
func (d *Driver) StartAll() error {
	for _, name := range d.order {
		if err := d.machines[name].Start(); err != nil {
			return fmt.Errorf("driver: start %s: %w", name, err)
		}
	}
	return nil
}

// JoinAll waits for every machine currently booted to shut down.
func (d *Driver) JoinAll() error {
	for _, name := range d.order {
		m := d.machines[name]
		if m.Booted() {
			if err := m.WaitForShutdown(); err != nil {
				return fmt.Errorf("driver: join %s: %w", name, err)
			}
		}
	}
	return nil
}

// Subtest runs fn as a named scoped counter (spec §4.6): nr_tests is
// incremented on entry; nr_succeeded is incremented only if fn returns nil.
// An error from fn is logged and swallowed — the subtest fails, but the
// driver continues running the rest of the script. The scope's "return
// true"/"return false" shape in the original is dead code (spec §9(ii));
// this only sets the two counters.
func (d *Driver) Subtest(name string, fn func() error) {
	close := d.log.Nested(fmt.Sprintf("subtest: %s", name), nil)
	defer close()

	d.mu.Lock()
	d.nrTests++
	d.mu.Unlock()

	if err := fn(); err != nil {
		d.log.Log(fmt.Sprintf("subtest %s failed: %v", name, err), nil)
		return
	}

	d.mu.Lock()
	d.nrSucceeded++
	d.mu.Unlock()
}

// Counts returns the current (succeeded, total) subtest counts.
func (d *Driver) Counts() (succeeded, total int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nrSucceeded, d.nrTests
}

// Finish runs the final "sync" on every still-up machine and prints the
// summary line, matching spec §4.6's clean-completion path. "Up" means
// booted and connected (spec §3): a machine that was only started, never
// shell-connected, is skipped rather than forced through its first-time
// connect() as a side effect of cleanup. It does not perform process
// teardown; call Cleanup for that.
func (d *Driver) Finish(w io.Writer) {
	for _, name := range d.order {
		m := d.machines[name]
		if m.IsUp() {
			m.Execute("sync")
		}
	}
	succeeded, total := d.Counts()
	fmt.Fprintf(w, "%d out of %d tests succeeded\n", succeeded, total)
}

// Cleanup is the at-exit hook: SIGKILL every machine with a live pid, then
// kill every VDE switch, then close the Logger. It runs exactly once even
// if called multiple times (e.g. once from a deferred recover and once from
// normal completion), matching spec §8 property 6 at the driver level.
func (d *Driver) Cleanup() {
	d.cleanupOnce.Do(func() {
		for _, name := range d.order {
			d.machines[name].CleanUp()
		}
		fabric.StopAll(d.vlans)
		d.log.Close()
	})
}
