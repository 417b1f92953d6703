package machine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"go.vmtest.dev/driver/internal/keymap"
	"go.vmtest.dev/driver/internal/retry"
)

// screenshotNameRe is the contract for screenshot's "name" argument: names
// matching it are rewritten to "<out>/<name>.png".
var screenshotNameRe = regexp.MustCompile(`^\w+$`)

// imageMagickArgs is the fixed enhancement chain that feeds tesseract. These
// flags are part of the external contract: changing them changes OCR
// recognition rates (spec §4.5.6).
var imageMagickArgs = []string{
	"-filter", "Catrom",
	"-density", "72",
	"-resample", "300",
	"-contrast",
	"-normalize",
	"-despeckle",
	"-type", "grayscale",
	"-sharpen", "1",
	"-posterize", "3",
	"-negate",
	"-gamma", "100",
	"-blur", "1x65535",
}

// SendKey translates k through the Key Map and issues it as a monitor
// "sendkey" command.
func (m *Machine) SendKey(k string) error {
	return m.sendMonitorCommand("sendkey " + keymap.Translate(k))
}

// SendChars sends each character of s as a separate SendKey call.
func (m *Machine) SendChars(s string) error {
	for _, r := range s {
		if err := m.SendKey(string(r)); err != nil {
			return err
		}
	}
	return nil
}

// Screenshot takes a screendump, converts it to PNG with pnmtopng, and
// removes the intermediate PPM. If name matches screenshotNameRe it is
// rewritten to "<out>/<name>.png"; out comes from the "out" environment
// variable (spec §4.5.6).
func (m *Machine) Screenshot(name string) error {
	if screenshotNameRe.MatchString(name) {
		name = filepath.Join(os.Getenv("out"), name+".png")
	}
	ppm := name + ".ppm"

	if err := m.sendMonitorCommand(fmt.Sprintf("screendump %s", ppm)); err != nil {
		return fmt.Errorf("machine %s: screendump: %w", m.name, err)
	}
	defer os.Remove(ppm)

	cmd := exec.Command("pnmtopng", ppm)
	out, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("machine %s: create %s: %w", m.name, name, err)
	}
	defer out.Close()
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("machine %s: pnmtopng: %w: %s", m.name, err, stderr.String())
	}
	return nil
}

// GetScreenText screendumps to a temp PPM, runs it through the fixed
// ImageMagick enhancement chain, and feeds the result to tesseract,
// returning the recognized UTF-8 text. tesseract is required on PATH
// (spec §4.5.6).
func (m *Machine) GetScreenText() (string, error) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		return "", fmt.Errorf("machine %s: get_screen_text requires tesseract on PATH: %w", m.name, err)
	}

	tmp, err := os.CreateTemp("", "vmtest-screen-*.ppm")
	if err != nil {
		return "", err
	}
	ppmPath := tmp.Name()
	tmp.Close()
	defer os.Remove(ppmPath)

	if err := m.sendMonitorCommand(fmt.Sprintf("screendump %s", ppmPath)); err != nil {
		return "", fmt.Errorf("machine %s: screendump: %w", m.name, err)
	}

	convertArgs := append([]string{ppmPath}, append(imageMagickArgs, "tiff:-")...)
	convertCmd := exec.Command("convert", convertArgs...)
	tiff, err := convertCmd.Output()
	if err != nil {
		return "", fmt.Errorf("machine %s: convert: %w", m.name, err)
	}

	tesseractCmd := exec.Command("tesseract", "-", "-", "-c", "debug_file=/dev/null", "--psm", "11", "--oem", "2")
	tesseractCmd.Stdin = bytes.NewReader(tiff)
	text, err := tesseractCmd.Output()
	if err != nil {
		return "", fmt.Errorf("machine %s: tesseract: %w", m.name, err)
	}
	return string(text), nil
}

// WaitForText retries GetScreenText until it matches regex, logging the
// last recognized text on the terminal attempt (spec §4.5.6).
func (m *Machine) WaitForText(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("machine %s: compile screen-text regex %q: %w", m.name, pattern, err)
	}
	var lastText string
	return retry.Retry(context.Background(), func(last bool) bool {
		text, err := m.GetScreenText()
		if err != nil {
			return false
		}
		lastText = text
		if re.MatchString(text) {
			return true
		}
		if last {
			m.log.Log(fmt.Sprintf("last recognized screen text: %q", lastText), map[string]string{"machine": m.name})
		}
		return false
	})
}

// WaitForX polls for the journal's "Reached target Current graphical"
// message and the X11 socket's existence.
func (m *Machine) WaitForX() error {
	return retry.Retry(context.Background(), func(last bool) bool {
		status, _, err := m.Execute(`journalctl -b SYSLOG_IDENTIFIER=systemd | grep "Reached target Current graphical"`)
		if err != nil || status != 0 {
			return false
		}
		status, _, err = m.Execute("test -e /tmp/.X11-unix/X0")
		return err == nil && status == 0
	})
}

// windowNameSed is the exact sed program used to pull window titles out of
// "xwininfo -root -tree" (spec §4.5.6).
const windowNameSed = `s/.*0x[0-9a-f]* "\([^"]*\)".*/\1/; t; d`

// GetWindowNames parses "xwininfo -root -tree" and returns one name per
// line. The pipeline is required to succeed (exit 0): a broken or missing
// xwininfo must raise immediately rather than be mistaken for "no windows
// yet" by WaitForWindow's retry loop.
func (m *Machine) GetWindowNames() ([]string, error) {
	out, err := m.Succeed(fmt.Sprintf(`xwininfo -root -tree | sed '%s'`, windowNameSed))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range bytes.Split([]byte(out), []byte("\n")) {
		if len(line) > 0 {
			names = append(names, string(line))
		}
	}
	return names, nil
}

// WaitForWindow retries GetWindowNames until one entry matches regex,
// logging the current window list on the terminal attempt. A GetWindowNames
// error (e.g. a missing/broken xwininfo) raises immediately rather than
// being retried as "no windows yet".
func (m *Machine) WaitForWindow(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("machine %s: compile window regex %q: %w", m.name, pattern, err)
	}
	var getErr error
	err = retry.Retry(context.Background(), func(last bool) bool {
		names, err := m.GetWindowNames()
		if err != nil {
			getErr = err
			return true
		}
		for _, n := range names {
			if re.MatchString(n) {
				return true
			}
		}
		if last {
			m.log.Log(fmt.Sprintf("window list was: %v", names), map[string]string{"machine": m.name})
		}
		return false
	})
	if getErr != nil {
		return getErr
	}
	return err
}
