package cyw43

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/soypat/cyw43/whd"
)

const (
	levelTrace slog.Level = slog.LevelDebug - 1
	// deviceLevel is used for lines read from the firmware console.
	deviceLevel slog.Level = slog.LevelError - 1
)

// logger wraps a possibly nil *slog.Logger. A nil logger discards everything.
type logger struct {
	log *slog.Logger
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (l logger) warn(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelWarn, msg, attrs...)
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(levelTrace, msg, attrs...)
}

func (l logger) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if l.log != nil {
		l.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (l logger) logenabled(level slog.Level) bool {
	return l.log != nil && l.log.Handler().Enabled(context.Background(), level)
}

// Firmware console ring layout.
const (
	sharedMemSize     = 32
	sharedConsoleOff  = 20 // console_addr within the shared memory struct.
	consoleLogOff     = 8  // Log struct offset within the console struct.
	consoleLogHdrSize = 16
	consoleRingSize   = 0x400
)

// fwlog tails the firmware's console ring buffer and forwards whole lines
// to the logger at deviceLevel.
type fwlog struct {
	addr    uint32 // Address of the console log struct. Zero when disabled.
	lastIdx uint32
	n       int
	line    [256]byte
	ring    [consoleRingSize]byte
}

// sharedMemLog is the console log struct header.
type sharedMemLog struct {
	buf     uint32
	bufSize uint32
	idx     uint32
	outIdx  uint32
}

func decodeSharedMemLog(b []byte) sharedMemLog {
	return sharedMemLog{
		buf:     binary.LittleEndian.Uint32(b[0:]),
		bufSize: binary.LittleEndian.Uint32(b[4:]),
		idx:     binary.LittleEndian.Uint32(b[8:]),
		outIdx:  binary.LittleEndian.Uint32(b[12:]),
	}
}

// init locates the console through the shared memory pointer the firmware
// publishes just below the retained SRAM.
func (fl *fwlog) init(b *bus) error {
	m := &whd.CYW43439
	ptrAddr := m.RAMBase + m.RAMSize - 4 - m.SRAMRetainedSize
	sharedAddr, err := b.bpRead32(ptrAddr)
	if err != nil {
		return err
	}
	var shared [sharedMemSize]byte
	err = b.bpRead(sharedAddr, shared[:])
	if err != nil {
		return err
	}
	consoleAddr := binary.LittleEndian.Uint32(shared[sharedConsoleOff:])
	fl.addr = consoleAddr + consoleLogOff
	fl.lastIdx = 0
	fl.n = 0
	b.trace("fwlog:init", slog.Uint64("shared", uint64(sharedAddr)), slog.Uint64("console", uint64(consoleAddr)))
	return nil
}

// read forwards any new console output.
func (fl *fwlog) read(b *bus) error {
	if fl.addr == 0 {
		return nil
	}
	var hdr [consoleLogHdrSize]byte
	err := b.bpRead(fl.addr, hdr[:])
	if err != nil {
		return err
	}
	smem := decodeSharedMemLog(hdr[:])
	idx := smem.idx % consoleRingSize
	if idx == fl.lastIdx {
		return nil
	}
	err = b.bpRead(smem.buf, fl.ring[:])
	if err != nil {
		return err
	}
	for fl.lastIdx != idx {
		c := fl.ring[fl.lastIdx]
		if c == '\r' || c == '\n' {
			if fl.n != 0 {
				b.logattrs(deviceLevel, string(fl.line[:fl.n]))
				fl.n = 0
			}
		} else if fl.n < len(fl.line) {
			fl.line[fl.n] = c
			fl.n++
		}
		fl.lastIdx = (fl.lastIdx + 1) % consoleRingSize
	}
	return nil
}
