package driver

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNameFromScriptDefaultsToMachine(t *testing.T) {
	if got := nameFromScript("/bin/true"); got != "machine" {
		t.Errorf("nameFromScript(/bin/true) = %q, want machine", got)
	}
}

func TestNameFromScriptExtractsRunVMName(t *testing.T) {
	if got := nameFromScript("/nix/store/abc123/run-foo-vm --flag"); got != "foo" {
		t.Errorf("nameFromScript = %q, want foo", got)
	}
}

// TestNewBuildsMachineAndVLANSansSwitch exercises the machine-naming part of
// the S1 scenario (spec §8) short of actually starting QEMU: no VLANs are
// requested, so no vde_switch is started and the QEMU_VDE_SOCKET_<id>
// contract is not exercised here.
func TestNewBuildsMachineAndVLANSansSwitch(t *testing.T) {
	tmp := t.TempDir()
	d, err := New(Config{
		VMScripts: []string{"/bin/true"},
		TmpDir:    tmp,
		LogFile:   filepath.Join(tmp, "log.xml"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Cleanup()

	if len(d.Machines()) != 1 {
		t.Fatalf("len(Machines()) = %d, want 1", len(d.Machines()))
	}
	if d.Machines()[0].Name() != "machine" {
		t.Errorf("machine name = %q, want machine", d.Machines()[0].Name())
	}
	if _, ok := d.Machine("machine"); !ok {
		t.Error("Machine(\"machine\") not found")
	}
}

func TestNewNamesMachineFromRunVMScript(t *testing.T) {
	tmp := t.TempDir()
	d, err := New(Config{
		VMScripts: []string{"/nix/store/xyz/run-foo-vm"},
		TmpDir:    tmp,
		LogFile:   filepath.Join(tmp, "log.xml"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Cleanup()

	if _, ok := d.Machine("foo"); !ok {
		t.Error("expected machine binding named foo")
	}
}

// TestSubtestSummary exercises S6: one failing subtest, one succeeding
// subtest, summary "1 out of 2 tests succeeded".
func TestSubtestSummary(t *testing.T) {
	tmp := t.TempDir()
	d, err := New(Config{TmpDir: tmp, LogFile: filepath.Join(tmp, "log.xml")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Cleanup()

	d.Subtest("a", func() error { return errors.New("x") })
	d.Subtest("b", func() error { return nil })

	var buf bytes.Buffer
	d.Finish(&buf)
	want := "1 out of 2 tests succeeded\n"
	if buf.String() != want {
		t.Errorf("Finish summary = %q, want %q", buf.String(), want)
	}
}

// TestFinishSkipsNeverConnectedMachine exercises Finish's "up" gate (spec
// §3's booted ∧ connected): a machine that was never started must not be
// forced through a lazy connect() as a side effect of the final sync.
func TestFinishSkipsNeverConnectedMachine(t *testing.T) {
	tmp := t.TempDir()
	d, err := New(Config{
		VMScripts: []string{"/bin/true"},
		TmpDir:    tmp,
		LogFile:   filepath.Join(tmp, "log.xml"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Cleanup()

	var buf bytes.Buffer
	d.Finish(&buf)
	if buf.String() != "0 out of 0 tests succeeded\n" {
		t.Errorf("Finish summary = %q, want %q", buf.String(), "0 out of 0 tests succeeded\n")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	tmp := t.TempDir()
	d, err := New(Config{TmpDir: tmp, LogFile: filepath.Join(tmp, "log.xml")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Cleanup()
	d.Cleanup()
}

func TestNoVLANSocketPublishedWithoutVLANs(t *testing.T) {
	tmp := t.TempDir()
	cwd, _ := os.Getwd()
	os.Chdir(tmp)
	defer os.Chdir(cwd)

	t.Setenv("VLANS", "")
	d, err := New(Config{TmpDir: tmp, LogFile: filepath.Join(tmp, "log.xml")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Cleanup()
	if got := os.Getenv("QEMU_VDE_SOCKET_1"); got != "" {
		t.Errorf("unexpected QEMU_VDE_SOCKET_1 = %q with no VLANs requested", got)
	}
}

func TestSplitFieldsHandlesWhitespace(t *testing.T) {
	got := splitFields("  a\tb\n c  ")
	want := []string{"a", "b", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("splitFields = %v, want %v", got, want)
	}
}
