package machine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.vmtest.dev/driver/internal/retry"
)

// shellResponseRe extracts a command's captured output and exit status from
// the accumulated shell stream: everything up to the "|!EOF <status>"
// sentinel is output, the digits are the decimal exit status. Bytes after
// the matched status belong to the next command and are discarded, per
// spec §4.5.4.
var shellResponseRe = regexp.MustCompile(`(?s)(.*)\|!EOF\s+(\d+)`)

// connect is the lazy shell-channel initializer: if already connected it is
// a no-op; otherwise it starts the machine, reads one 1024-byte chunk from
// the shell stream to consume the root-shell banner, logs the elapsed time,
// and marks the channel connected (spec §4.5.4).
func (m *Machine) connect() error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.Start(); err != nil {
		return err
	}

	tic := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	buf := make([]byte, 1024)
	if _, err := m.shell.Read(buf); err != nil {
		return fmt.Errorf("machine %s: consume shell banner: %w", m.name, err)
	}
	m.connected = true
	m.log.Log(fmt.Sprintf("connected to guest root shell (%.2f seconds)", time.Since(tic).Seconds()),
		map[string]string{"machine": m.name})
	return nil
}

// Execute is the primitive shell verb: it connects lazily, wraps cmd as
// "( cmd ); echo '|!EOF' $?\n", and returns the command's decimal exit
// status and its merged stdout+stderr output (spec §4.5.4, §4.5.5).
func (m *Machine) Execute(cmd string) (int, string, error) {
	if err := m.connect(); err != nil {
		return 0, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wrapped := fmt.Sprintf("( %s ); echo '|!EOF' $?\n", cmd)
	if _, err := m.shell.Write([]byte(wrapped)); err != nil {
		return 0, "", fmt.Errorf("machine %s: execute %q: %w", m.name, cmd, err)
	}

	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, err := m.shell.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if match := shellResponseRe.FindSubmatch(acc); match != nil {
				status, convErr := strconv.Atoi(string(match[2]))
				if convErr != nil {
					return 0, "", fmt.Errorf("machine %s: parse exit status: %w", m.name, convErr)
				}
				return status, string(match[1]), nil
			}
		}
		if err != nil {
			return 0, "", fmt.Errorf("machine %s: execute %q: %w", m.name, cmd, err)
		}
	}
}

// Succeed runs each command in turn, expecting exit status 0, and
// concatenates their outputs. The first command to fail raises.
func (m *Machine) Succeed(cmds ...string) (string, error) {
	var out strings.Builder
	for _, cmd := range cmds {
		status, output, err := m.Execute(cmd)
		if err != nil {
			return "", err
		}
		if status != 0 {
			return "", fmt.Errorf("machine %s: command %q failed (status %d): %s", m.name, cmd, status, output)
		}
		out.WriteString(output)
	}
	return out.String(), nil
}

// Fail runs each command in turn, expecting a non-zero exit status. Any
// command that succeeds raises.
func (m *Machine) Fail(cmds ...string) error {
	for _, cmd := range cmds {
		status, _, err := m.Execute(cmd)
		if err != nil {
			return err
		}
		if status == 0 {
			return fmt.Errorf("machine %s: command %q unexpectedly succeeded", m.name, cmd)
		}
	}
	return nil
}

// WaitUntilSucceeds loops, without backoff and without a timeout, until cmd
// exits 0 (spec §4.5.5; this is an intentionally unbounded verb, §9(iii)).
func (m *Machine) WaitUntilSucceeds(cmd string) error {
	for {
		status, _, err := m.Execute(cmd)
		if err != nil {
			return err
		}
		if status == 0 {
			return nil
		}
	}
}

// WaitUntilFails loops, without backoff and without a timeout, until cmd
// exits non-zero.
func (m *Machine) WaitUntilFails(cmd string) error {
	for {
		status, _, err := m.Execute(cmd)
		if err != nil {
			return err
		}
		if status != 0 {
			return nil
		}
	}
}

// Systemctl runs q via systemctl, as the given user if non-empty (spec
// §4.5.5).
func (m *Machine) Systemctl(q, user string) (int, string, error) {
	if user != "" {
		escaped := strings.ReplaceAll(q, "'", `'\''`)
		cmd := fmt.Sprintf(`su -l %s -c $'XDG_RUNTIME_DIR=/run/user/`+"`id -u`"+` systemctl --user %s'`, user, escaped)
		return m.Execute(cmd)
	}
	return m.Execute("systemctl " + q)
}

// GetUnitInfo runs "systemctl --no-pager show <unit>" (as user, if set) and
// parses each "key=value" line into a map, splitting on the first "=". A
// non-zero exit raises.
func (m *Machine) GetUnitInfo(unit, user string) (map[string]string, error) {
	status, out, err := m.Systemctl(fmt.Sprintf(`--no-pager show "%s"`, unit), user)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("machine %s: systemctl show %q failed (status %d)", m.name, unit, status)
	}
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		info[line[:idx]] = line[idx+1:]
	}
	return info, nil
}

// WaitForUnit polls GetUnitInfo until the unit reaches "active", raises
// immediately on "failed", and raises on "inactive" once list-jobs reports
// nothing pending (spec §4.5.5).
func (m *Machine) WaitForUnit(unit, user string) error {
	for {
		info, err := m.GetUnitInfo(unit, user)
		if err != nil {
			return err
		}
		switch info["ActiveState"] {
		case "failed":
			return fmt.Errorf("machine %s: unit %q failed", m.name, unit)
		case "active":
			return nil
		case "inactive":
			_, jobs, err := m.Systemctl("list-jobs --no-pager --full", user)
			if err != nil {
				return err
			}
			if strings.Contains(jobs, "No jobs") {
				return fmt.Errorf("machine %s: unit %q is inactive with no pending jobs", m.name, unit)
			}
		}
	}
}

// RequireUnitState is a one-shot assertion that unit is in state (default
// "active"); it raises on mismatch.
func (m *Machine) RequireUnitState(unit, state string) error {
	if state == "" {
		state = "active"
	}
	info, err := m.GetUnitInfo(unit, "")
	if err != nil {
		return err
	}
	if info["ActiveState"] != state {
		return fmt.Errorf("machine %s: unit %q is %q, want %q", m.name, unit, info["ActiveState"], state)
	}
	return nil
}

// StartJob, StopJob, and WaitForJob are thin systemctl wrappers (spec
// §4.5.5).
func (m *Machine) StartJob(jobSpec, user string) (int, string, error) {
	return m.Systemctl("start "+jobSpec, user)
}

func (m *Machine) StopJob(jobSpec, user string) (int, string, error) {
	return m.Systemctl("stop "+jobSpec, user)
}

func (m *Machine) WaitForJob(jobSpec string) error {
	return m.WaitUntilSucceeds(fmt.Sprintf("systemctl is-active %s", jobSpec))
}

// WaitForFile polls "test -e <path>" via the retry utility, carrying its
// ~15 minute implicit deadline.
func (m *Machine) WaitForFile(path string) error {
	return retry.Retry(context.Background(), func(last bool) bool {
		status, _, err := m.Execute(fmt.Sprintf("test -e %s", path))
		return err == nil && status == 0
	})
}

// WaitForOpenPort polls "nc -z localhost <port>" via retry, returning once
// the port answers and raising if it never does before the retry deadline.
func (m *Machine) WaitForOpenPort(port int) error {
	return retry.Retry(context.Background(), func(last bool) bool {
		status, _, err := m.Execute(fmt.Sprintf("nc -z localhost %d", port))
		return err == nil && status == 0
	})
}

// WaitForClosedPort polls until "nc -z localhost <port>" fails.
func (m *Machine) WaitForClosedPort(port int) error {
	return retry.Retry(context.Background(), func(last bool) bool {
		status, _, err := m.Execute(fmt.Sprintf("nc -z localhost %d", port))
		return err == nil && status != 0
	})
}

// GetTTYText reads the text currently displayed on virtual console tty,
// folded to the console's reported width (spec §4.5.5).
func (m *Machine) GetTTYText(tty int) (string, error) {
	cmd := fmt.Sprintf(`fold -w$(stty -F /dev/tty%d size | awk '{print $2}') /dev/vcs%d`, tty, tty)
	_, out, err := m.Execute(cmd)
	return out, err
}

// WaitUntilTTYMatches polls GetTTYText, unbounded, until it matches regex
// (spec §9(iii): intentionally no timeout).
func (m *Machine) WaitUntilTTYMatches(tty int, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("machine %s: compile tty regex %q: %w", m.name, pattern, err)
	}
	for {
		text, err := m.GetTTYText(tty)
		if err != nil {
			return err
		}
		if re.MatchString(text) {
			return nil
		}
	}
}

// DumpTTYContents pipes the given console's contents through "fold -w 80"
// into systemd-cat, for inclusion in the host journal.
func (m *Machine) DumpTTYContents(tty int) error {
	cmd := fmt.Sprintf("fold -w 80 /dev/vcs%d | systemd-cat", tty)
	_, _, err := m.Execute(cmd)
	return err
}
