package machine

import "testing"

func TestGetWindowNamesRaisesOnNonZeroStatus(t *testing.T) {
	m, shellSrv, _ := newConnectedMachine(t)

	go func() {
		buf := make([]byte, 4096)
		shellSrv.Read(buf)
		shellSrv.Write([]byte("xwininfo: command not found\n|!EOF 127\n"))
	}()

	if _, err := m.GetWindowNames(); err == nil {
		t.Fatal("GetWindowNames should have raised on non-zero exit status")
	}
}

func TestWaitForWindowFailsFastOnGetWindowNamesError(t *testing.T) {
	m, shellSrv, _ := newConnectedMachine(t)

	go func() {
		buf := make([]byte, 4096)
		shellSrv.Read(buf)
		shellSrv.Write([]byte("xwininfo: command not found\n|!EOF 127\n"))
	}()

	err := m.WaitForWindow("xterm")
	if err == nil {
		t.Fatal("WaitForWindow should have raised immediately rather than retrying")
	}
}
