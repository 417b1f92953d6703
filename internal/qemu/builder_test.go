package qemu

import (
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildStartCommandMinimal(t *testing.T) {
	cmd, err := BuildStartCommand(Args{})
	if err != nil {
		t.Fatalf("BuildStartCommand: %v", err)
	}
	want := "qemu-kvm -m 384 -netdev user,id=net0 -device virtio-net-pci,netdev=net0 $QEMU_OPTS "
	if cmd != want {
		t.Errorf("-want, +got:\n%s", cmp.Diff(want, cmd))
	}
}

func TestBuildStartCommandNetArgs(t *testing.T) {
	cmd, err := BuildStartCommand(Args{
		NetBackendArgs:  "vlan=1",
		NetFrontendArgs: "mac=52:54:00:00:00:01",
	})
	if err != nil {
		t.Fatalf("BuildStartCommand: %v", err)
	}
	if !strings.Contains(cmd, "-netdev user,id=net0,vlan=1") {
		t.Errorf("missing net backend args: %s", cmd)
	}
	if !strings.Contains(cmd, "-device virtio-net-pci,netdev=net0,mac=52:54:00:00:00:01") {
		t.Errorf("missing net frontend args: %s", cmd)
	}
}

func TestBuildStartCommandScsiDisk(t *testing.T) {
	cmd, err := BuildStartCommand(Args{Hda: "/tmp/disk.img", HdaInterface: "scsi"})
	if err != nil {
		t.Fatalf("BuildStartCommand: %v", err)
	}
	if !strings.Contains(cmd, "-device scsi-hd,drive=hda") {
		t.Errorf("scsi disk missing scsi-hd device: %s", cmd)
	}
	if !strings.Contains(cmd, "id=hda,file=/tmp/disk.img") {
		t.Errorf("scsi disk missing drive id: %s", cmd)
	}
}

func TestBuildStartCommandCdromUsbBios(t *testing.T) {
	cmd, err := BuildStartCommand(Args{
		Cdrom: "/tmp/live.iso",
		Usb:   "/tmp/usb.img",
		Bios:  "/tmp/bios.bin",
	})
	if err != nil {
		t.Fatalf("BuildStartCommand: %v", err)
	}
	for _, want := range []string{
		"-cdrom /tmp/live.iso",
		"-device piix3-usb-uhci",
		"id=usbdisk,file=/tmp/usb.img",
		"-bios /tmp/bios.bin",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("missing %q in %s", want, cmd)
		}
	}
}

func TestBuildStartCommandSSHAuthorizedKeysFile(t *testing.T) {
	cmd, err := BuildStartCommand(Args{SSHAuthorizedKeysFile: "/tmp/state/authorized_keys"})
	if err != nil {
		t.Fatalf("BuildStartCommand: %v", err)
	}
	if !strings.Contains(cmd, "-fw_cfg name=opt/ssh-authorized-keys,file=/tmp/state/authorized_keys") {
		t.Errorf("missing ssh authorized keys fw_cfg flag: %s", cmd)
	}
}

func TestSSHAuthorizedKeysFlag(t *testing.T) {
	got := SSHAuthorizedKeysFlag("/tmp/state/authorized_keys")
	want := "-fw_cfg name=opt/ssh-authorized-keys,file=/tmp/state/authorized_keys"
	if got != want {
		t.Errorf("SSHAuthorizedKeysFlag = %q, want %q", got, want)
	}
}

func TestRuntimeFlagsWithoutDisplay(t *testing.T) {
	os.Unsetenv("DISPLAY")
	flags := RuntimeFlags("/tmp/monitor", "/tmp/shell", false)
	if !strings.Contains(flags, "-no-reboot") {
		t.Errorf("expected -no-reboot when allowReboot=false: %s", flags)
	}
	if !strings.Contains(flags, "-nographic") {
		t.Errorf("expected -nographic without DISPLAY: %s", flags)
	}
	if strings.Contains(flags, "-serial stdio") {
		t.Errorf("unexpected -serial stdio without DISPLAY: %s", flags)
	}
}

func TestRuntimeFlagsWithDisplayAndAllowReboot(t *testing.T) {
	os.Setenv("DISPLAY", ":0")
	defer os.Unsetenv("DISPLAY")
	flags := RuntimeFlags("/tmp/monitor", "/tmp/shell", true)
	if strings.Contains(flags, "-no-reboot") {
		t.Errorf("unexpected -no-reboot when allowReboot=true: %s", flags)
	}
	if !strings.Contains(flags, "-serial stdio") {
		t.Errorf("expected -serial stdio with DISPLAY set: %s", flags)
	}
}
