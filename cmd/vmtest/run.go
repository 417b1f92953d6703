package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"go.vmtest.dev/driver/internal/driver"
	"go.vmtest.dev/driver/internal/script"
)

// RunCommand boots the VLANs and machines named by its positional
// arguments, evaluates the test script named by the "tests"/"testScript"
// environment variable, and guarantees cleanup runs before exit (spec
// §4.6).
type RunCommand struct {
	logFile          string
	sshAuthorizedKey string
}

func (*RunCommand) Name() string     { return "run" }
func (*RunCommand) Synopsis() string { return "boot VMs and run a test script against them" }
func (*RunCommand) Usage() string {
	return `run [flags...] [vm-start-command...]

Each positional argument is a shell command that starts one QEMU guest.
The test script is read from the "tests" or "testScript" environment
variable.

flags:
`
}

func (r *RunCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.logFile, "logfile", os.Getenv("LOGFILE"), "path to the XML event log (default /dev/null)")
	f.StringVar(&r.sshAuthorizedKey, "ssh-authorized-key", "",
		"path to a private key whose public half is injected into every guest via fw_cfg")
}

func (r *RunCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := loggerFromContext(ctx)

	tmpDir := os.Getenv("TMPDIR")
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	d, err := driver.New(driver.Config{
		VMScripts:            f.Args(),
		VLANs:                os.Getenv("VLANS"),
		LogFile:              r.logFile,
		TmpDir:               tmpDir,
		SharedDir:            sharedDir(tmpDir),
		UseSerial:            os.Getenv("USE_SERIAL") != "",
		SSHAuthorizedKeyFile: r.sshAuthorizedKey,
	})
	if err != nil {
		log.Errorw("failed to construct driver", "error", err)
		return subcommands.ExitFailure
	}
	defer d.Cleanup()

	source := os.Getenv("tests")
	if source == "" {
		source = os.Getenv("testScript")
	}
	if source == "" {
		log.Infow("no tests/testScript provided; nothing to run (interactive REPL is not part of this driver)")
		d.Finish(os.Stdout)
		return subcommands.ExitSuccess
	}

	e := script.New(d)
	defer e.Close()

	if err := e.Run(source); err != nil {
		log.Errorw("script evaluation failed outside any subtest", "error", err)
		d.Finish(os.Stdout)
		return subcommands.ExitFailure
	}

	d.Finish(os.Stdout)
	return subcommands.ExitSuccess
}

func sharedDir(tmpDir string) string {
	dir := fmt.Sprintf("%s/xchg-shared", tmpDir)
	os.MkdirAll(dir, 0755)
	return dir
}
