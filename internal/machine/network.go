package machine

import "fmt"

// ForwardPort issues a monitor "hostfwd_add" command mapping the host's
// hostPort to the guest's guestPort (spec §4.5.7).
func (m *Machine) ForwardPort(hostPort, guestPort int) error {
	return m.sendMonitorCommand(fmt.Sprintf("hostfwd_add tcp::%d-:%d", hostPort, guestPort))
}

// Block toggles the secondary NIC off, leaving the primary NIC (and thus
// the driver's own shell channel) up.
func (m *Machine) Block() error {
	return m.sendMonitorCommand("set_link virtio-net-pci.1 off")
}

// Unblock toggles the secondary NIC back on.
func (m *Machine) Unblock() error {
	return m.sendMonitorCommand("set_link virtio-net-pci.1 on")
}
