package script

import (
	"path/filepath"
	"testing"

	"go.vmtest.dev/driver/internal/driver"
)

func TestSubtestSwallowsErrorAndCounts(t *testing.T) {
	tmp := t.TempDir()
	d, err := driver.New(driver.Config{TmpDir: tmp, LogFile: filepath.Join(tmp, "log.xml")})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	defer d.Cleanup()

	e := New(d)
	defer e.Close()

	err = e.Run(`
subtest("a", function() error("boom") end)
subtest("b", function() end)
`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	succeeded, total := d.Counts()
	if succeeded != 1 || total != 2 {
		t.Errorf("Counts() = (%d, %d), want (1, 2)", succeeded, total)
	}
}

func TestMachineBindingExposesVerbs(t *testing.T) {
	tmp := t.TempDir()
	d, err := driver.New(driver.Config{
		VMScripts: []string{"/nix/store/xyz/run-foo-vm"},
		TmpDir:    tmp,
		LogFile:   filepath.Join(tmp, "log.xml"),
	})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	defer d.Cleanup()

	e := New(d)
	defer e.Close()

	if err := e.Run(`assert(type(foo.execute) == "function")`); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMachineBindingExposesUnitVerbs(t *testing.T) {
	tmp := t.TempDir()
	d, err := driver.New(driver.Config{
		VMScripts: []string{"/nix/store/xyz/run-foo-vm"},
		TmpDir:    tmp,
		LogFile:   filepath.Join(tmp, "log.xml"),
	})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	defer d.Cleanup()

	e := New(d)
	defer e.Close()

	err = e.Run(`
assert(type(foo.get_unit_info) == "function")
assert(type(foo.start_job) == "function")
assert(type(foo.stop_job) == "function")
assert(type(foo.wait_for_job) == "function")
`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}
