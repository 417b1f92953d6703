// Package qemu builds QEMU invocations for the Machine Controller: either
// composing a full start command from structured args (disk, cdrom, usb,
// bios, net backend/frontend, qemu flags), or decorating an already
// user-supplied start command with the monitor/shell/virtio-console
// plumbing every Machine needs regardless of how it was constructed.
package qemu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Args are the structured machine-construction arguments from spec §3,
// mirroring the original Machine.create_startcommand's keyword arguments.
type Args struct {
	// Hda is a path to a disk image. Mutually exclusive with neither Cdrom
	// nor Usb; all three may be combined.
	Hda string
	// HdaInterface selects the disk interface; "scsi" gets a dedicated
	// scsi-hd device, anything else sets if=<interface> on the -drive
	// option ("" means if=ide).
	HdaInterface string
	// Cdrom is a path to a cdrom image.
	Cdrom string
	// Usb is a path to a USB mass-storage backing image.
	Usb string
	// Bios is a path to an alternate BIOS image.
	Bios string
	// NetBackendArgs are appended to the "-netdev user,id=net0" backend.
	NetBackendArgs string
	// NetFrontendArgs are appended to the "-device virtio-net-pci,netdev=net0" frontend.
	NetFrontendArgs string
	// QemuFlags are appended verbatim at the end of the command line.
	QemuFlags string
	// SSHAuthorizedKeysFile, if set, is a path to a file already rendered in
	// authorized_keys format; its contents are exposed to the guest via
	// fw_cfg under the "opt/ssh-authorized-keys" key, the way a netboot
	// image's authorized_keys blob is injected (see internal/sshkey).
	SSHAuthorizedKeysFile string
}

// BuildStartCommand synthesizes a shell command string the way the
// original Machine.create_startcommand does: a "qemu-kvm -m 384 ..." line
// with the net backend/frontend, any disk/cdrom/usb/bios arguments, and
// trailing QemuFlags, intended to be run through a shell (it interpolates
// $QEMU_OPTS).
func BuildStartCommand(a Args) (string, error) {
	netBackend := "-netdev user,id=net0"
	if a.NetBackendArgs != "" {
		netBackend += "," + a.NetBackendArgs
	}
	netFrontend := "-device virtio-net-pci,netdev=net0"
	if a.NetFrontendArgs != "" {
		netFrontend += "," + a.NetFrontendArgs
	}

	var b strings.Builder
	fmt.Fprintf(&b, "qemu-kvm -m 384 %s %s $QEMU_OPTS ", netBackend, netFrontend)

	if a.Hda != "" {
		hdaPath, err := filepath.Abs(a.Hda)
		if err != nil {
			return "", fmt.Errorf("qemu: resolve hda path %q: %w", a.Hda, err)
		}
		if a.HdaInterface == "scsi" {
			fmt.Fprintf(&b, "-drive id=hda,file=%s,werror=report,if=none -device scsi-hd,drive=hda ", hdaPath)
		} else {
			iface := a.HdaInterface
			if iface == "" {
				iface = "ide"
			}
			fmt.Fprintf(&b, "-drive file=%s,if=%s,werror=report ", hdaPath, iface)
		}
	}

	if a.Cdrom != "" {
		fmt.Fprintf(&b, "-cdrom %s ", a.Cdrom)
	}

	if a.Usb != "" {
		fmt.Fprintf(&b, "-device piix3-usb-uhci -drive id=usbdisk,file=%s,if=none,readonly -device usb-storage,drive=usbdisk ", a.Usb)
	}

	if a.Bios != "" {
		fmt.Fprintf(&b, "-bios %s ", a.Bios)
	}

	if a.SSHAuthorizedKeysFile != "" {
		fmt.Fprintf(&b, "%s ", SSHAuthorizedKeysFlag(a.SSHAuthorizedKeysFile))
	}

	b.WriteString(a.QemuFlags)

	return b.String(), nil
}

// SSHAuthorizedKeysFlag is the fw_cfg flag string that exposes the
// authorized_keys-format file at path to the guest firmware/config
// interface, shared by BuildStartCommand (for structured-args machines) and
// machine.New (for machines constructed from a raw start-command string,
// where the flag is stored and folded into QEMU_OPTS by Machine.Start).
func SSHAuthorizedKeysFlag(path string) string {
	return fmt.Sprintf("-fw_cfg name=opt/ssh-authorized-keys,file=%s", path)
}

// RuntimeFlags composes the fixed set of QEMU flags a Machine always needs
// regardless of how its start command was built: monitor/shell sockets,
// the virtio-serial console carrying the root shell, virtio-rng, reboot
// policy, and the serial/graphics flag selected by whether DISPLAY is set
// in the environment (spec §4.5.1 step 2).
func RuntimeFlags(monitorPath, shellPath string, allowReboot bool) string {
	var parts []string
	if !allowReboot {
		parts = append(parts, "-no-reboot")
	}
	parts = append(parts,
		fmt.Sprintf("-monitor unix:%s", monitorPath),
		fmt.Sprintf("-chardev socket,id=shell,path=%s", shellPath),
		"-device virtio-serial",
		"-device virtconsole,chardev=shell",
		"-device virtio-rng-pci",
	)
	if _, hasDisplay := os.LookupEnv("DISPLAY"); hasDisplay {
		parts = append(parts, "-serial stdio")
	} else {
		parts = append(parts, "-nographic")
	}
	return strings.Join(parts, " ")
}
