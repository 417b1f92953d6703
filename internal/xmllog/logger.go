// Package xmllog implements the structured, append-only XML event log
// described in spec §4.2: driver-authored "line" and "nest" events
// interleaved, at drain points, with sanitized guest serial console output.
package xmllog

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// queueCapacity bounds the serial-record queue. Overflow policy is
// drop-newest: once full, additional Enqueue calls are silently discarded.
// The XML log is best-effort for serial chatter; authoritative driver
// events are always emitted synchronously via Log/Nested.
const queueCapacity = 1000

type serialRecord struct {
	machine string
	msg     string
}

// Logger appends "line" and "nest" elements to a single "logfile" XML
// document, and echoes every driver-authored message to an io.Writer
// (ordinarily os.Stderr).
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	enc   *xml.Encoder
	echo  io.Writer
	queue chan serialRecord
}

// Open creates a Logger backed by the file at path (truncated if it
// exists), writing the XML declaration and opening the "logfile" root
// element. Driver-authored messages are also echoed to echoTo.
func Open(path string, echoTo io.Writer) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("xmllog: open %q: %w", path, err)
	}

	enc := xml.NewEncoder(f)
	if err := enc.EncodeToken(xml.ProcInst{
		Target: "xml",
		Inst:   []byte(`version="1.0" encoding="UTF-8"`),
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("xmllog: write declaration: %w", err)
	}
	if err := enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: "logfile"}}); err != nil {
		f.Close()
		return nil, fmt.Errorf("xmllog: open logfile element: %w", err)
	}
	if err := enc.Flush(); err != nil {
		f.Close()
		return nil, err
	}

	return &Logger{
		file:  f,
		enc:   enc,
		echo:  echoTo,
		queue: make(chan serialRecord, queueCapacity),
	}, nil
}

// Log emits one "line" element and echoes the (optionally machine-prefixed)
// message to the configured writer. It drains the serial queue first so
// that serial chatter received before this call appears before it in the
// log.
func (l *Logger) Log(msg string, attrs map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.echoLocked(msg, attrs)
	l.drainLocked()
	l.writeLineLocked(msg, attrs, "")
}

// Enqueue is a non-blocking deposit of one serial-console line produced by
// a machine's serial-drain worker. See queueCapacity for the overflow
// policy.
func (l *Logger) Enqueue(machine, msg string) {
	select {
	case l.queue <- serialRecord{machine: machine, msg: msg}:
	default:
		// Drop-newest: the queue is full, this record is discarded.
	}
}

// Nested opens a "nest" element with a "head" child carrying msg/attrs,
// drains the serial queue at entry, and returns a function that the caller
// must invoke to close the scope. Closing drains the queue again, appends
// an elapsed-time trailer line, and closes the "nest" element. Scopes must
// be closed in strict LIFO order; concurrent scopes on the same Logger are
// undefined.
//
// Typical usage: defer log.Nested("doing X", nil)()
func (l *Logger) Nested(msg string, attrs map[string]string) func() {
	l.mu.Lock()
	l.echoLocked(msg, attrs)
	l.drainLocked()
	l.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: "nest"}})
	l.writeLineLocked(msg, attrs, "head")
	l.enc.Flush()
	tic := time.Now()
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.drainLocked()
		elapsed := time.Since(tic).Seconds()
		l.writeLineLocked(fmt.Sprintf("(%.2f seconds)", elapsed), nil, "")
		l.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: "nest"}})
		l.enc.Flush()
	}
}

// Close flushes any remaining serial records, closes the "logfile" root
// element, and releases the backing file. Close is idempotent: it is safe
// to call multiple times on the same Logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	l.drainLocked()
	l.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: "logfile"}})
	l.enc.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) drainLocked() {
	for {
		select {
		case rec := <-l.queue:
			l.writeLineLocked(Sanitize(rec.msg), map[string]string{
				"machine": rec.machine,
				"type":    "serial",
			}, "")
		default:
			return
		}
	}
}

func (l *Logger) writeLineLocked(msg string, attrs map[string]string, elem string) {
	if elem == "" {
		elem = "line"
	}
	start := xml.StartElement{Name: xml.Name{Local: elem}, Attr: sortedAttrs(attrs)}
	l.enc.EncodeToken(start)
	l.enc.EncodeToken(xml.CharData([]byte(msg)))
	l.enc.EncodeToken(xml.EndElement{Name: start.Name})
	l.enc.Flush()
}

func (l *Logger) echoLocked(msg string, attrs map[string]string) {
	if machine, ok := attrs["machine"]; ok && machine != "" {
		fmt.Fprintf(l.echo, "%s: %s\n", machine, msg)
		return
	}
	fmt.Fprintln(l.echo, msg)
}

func sortedAttrs(attrs map[string]string) []xml.Attr {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]xml.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, xml.Attr{Name: xml.Name{Local: k}, Value: attrs[k]})
	}
	return out
}
