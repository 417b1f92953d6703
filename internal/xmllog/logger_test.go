package xmllog

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func openTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.xml")
	l, err := Open(path, io.Discard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, path
}

func TestWellFormedAfterLogAndNestAndClose(t *testing.T) {
	l, path := openTestLogger(t)

	l.Log("starting", map[string]string{"machine": "vm1"})
	closeScope := l.Nested("checking things", nil)
	l.Enqueue("vm1", "hello from guest\x01")
	l.Log("inside scope", nil)
	closeScope()

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	var root string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("invalid XML: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				root = t.Name.Local
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if depth != 0 {
		t.Errorf("unbalanced elements, depth=%d", depth)
	}
	if root != "logfile" {
		t.Errorf("root element = %q, want logfile", root)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l, _ := openTestLogger(t)
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEnqueueDropsNewestWhenFull(t *testing.T) {
	l, _ := openTestLogger(t)
	defer l.Close()

	for i := 0; i < queueCapacity+10; i++ {
		l.Enqueue("vm1", "line")
	}
	if len(l.queue) != queueCapacity {
		t.Errorf("queue len = %d, want %d", len(l.queue), queueCapacity)
	}
}
