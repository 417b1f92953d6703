package machine

import "fmt"

// monitorPrompt is the literal QEMU HMP prompt (spec §4.5.3).
const monitorPrompt = "(qemu) "

// waitForMonitorPrompt reads 1024-byte chunks from the monitor stream and
// returns the accumulated text as soon as it ends with monitorPrompt.
// Exactly one command may be in flight on the monitor at a time:
// sendMonitorCommand holds m.mu for the duration, while Start calls it
// without the lock during startup, before the machine is marked booted.
func (m *Machine) waitForMonitorPrompt() (string, error) {
	buf := make([]byte, 1024)
	var acc []byte
	for {
		n, err := m.monitor.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if hasSuffix(acc, monitorPrompt) {
				return string(acc), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("monitor closed before prompt: %w", err)
		}
	}
}

// sendMonitorCommand writes cmd+"\n" to the monitor stream and waits for the
// next prompt (spec §4.5.3). It returns only an error: the response text
// read before the prompt is discarded, not returned to the caller.
func (m *Machine) sendMonitorCommand(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.monitor.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("machine %s: write monitor command %q: %w", m.name, cmd, err)
	}
	if _, err := m.waitForMonitorPrompt(); err != nil {
		return fmt.Errorf("machine %s: monitor command %q: %w", m.name, cmd, err)
	}
	return nil
}

func hasSuffix(b []byte, suffix string) bool {
	if len(b) < len(suffix) {
		return false
	}
	return string(b[len(b)-len(suffix):]) == suffix
}
