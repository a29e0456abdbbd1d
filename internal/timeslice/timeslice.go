// Package timeslice records how long vCPUs spend in the guest and in each
// kind of exit handling. Records go to a single process-wide binary log.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint32

const InvalidKind = KindID(0)

type KindInfo struct {
	Name  string
	Flags Flags
}

type Flags uint32

const (
	FlagGuestTime Flags = 1 << iota
	FlagInitTime
	FlagExitHandling
)

func (f Flags) String() string {
	var flags []string
	if f&FlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&FlagInitTime != 0 {
		flags = append(flags, "init")
	}
	if f&FlagExitHandling != 0 {
		flags = append(flags, "exit")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]KindInfo)
)

var KindInit = RegisterKind("init", FlagInitTime)

// RegisterKind adds a record kind. Kinds are normally registered from package
// level variables.
func RegisterKind(name string, flags Flags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

// Record is one entry of the log.
type Record struct {
	Kind     KindID
	VM       uint16
	VCpu     uint16
	Duration int64
}

var recordSize = binary.Size(Record{})

type Writer struct {
	w        io.Writer
	records  chan Record
	complete chan error
}

func (w *Writer) run() {
	defer close(w.complete)

	var buf [4096]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.complete <- err
				// keep draining so Record never blocks
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Kind))
		binary.LittleEndian.PutUint16(buf[off+4:], rec.VM)
		binary.LittleEndian.PutUint16(buf[off+6:], rec.VCpu)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.complete <- err
			return
		}
	}
	w.complete <- nil
}

// Close stops recording and flushes every buffered record.
func (w *Writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.complete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[Writer]

// StartRecording writes the log header to w and makes it the destination of
// every Record call until the returned writer is closed.
func StartRecording(w io.Writer) (*Writer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: already recording")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// pad to 4096 so records are aligned
	off := binary.Size(header{}) + len(table)
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	writer := &Writer{
		w:        w,
		records:  make(chan Record, 4096),
		complete: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, writer) {
		return nil, errors.New("timeslice: already recording")
	}
	go writer.run()
	return writer, nil
}

// Enabled reports whether a log is being recorded.
func Enabled() bool { return current.Load() != nil }

// Add records one duration for a vCPU. It is a no-op when nothing is
// recording.
func Add(kind KindID, vm, vcpu int, d time.Duration) {
	if w := current.Load(); w != nil {
		w.records <- Record{Kind: kind, VM: uint16(vm), VCpu: uint16(vcpu), Duration: d.Nanoseconds()}
	}
}

// Recorder attributes the time between successive marks to one vCPU. It is
// owned by a single execution context.
type Recorder struct {
	vm, vcpu int
	last     time.Time
}

func NewRecorder(vm, vcpu int) *Recorder {
	return &Recorder{vm: vm, vcpu: vcpu, last: time.Now()}
}

// Mark records the time since the previous mark as kind.
func (r *Recorder) Mark(kind KindID) {
	now := time.Now()
	Add(kind, r.vm, r.vcpu, now.Sub(r.last))
	r.last = now
}

// ReadAllRecords decodes a log and calls fn for each record in order.
func ReadAllRecords(r io.Reader, fn func(kind KindInfo, rec Record) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return errors.New("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[KindID]KindInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := int(hdr.KindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec Record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kind, rec); err != nil {
			return err
		}
	}
}

// Summary is the total time and count of one kind.
type Summary struct {
	Name  string
	Flags Flags
	Count int
	Total time.Duration
}

// Summarize totals a log per kind, in first-seen order.
func Summarize(r io.Reader) ([]Summary, error) {
	var ret []Summary
	index := make(map[string]int)
	err := ReadAllRecords(r, func(kind KindInfo, rec Record) error {
		i, ok := index[kind.Name]
		if !ok {
			i = len(ret)
			index[kind.Name] = i
			ret = append(ret, Summary{Name: kind.Name, Flags: kind.Flags})
		}
		ret[i].Count++
		ret[i].Total += time.Duration(rec.Duration)
		return nil
	})
	return ret, err
}
