package cyw43

import (
	"encoding/binary"
	"time"

	"golang.org/x/exp/constraints"
)

// alignup rounds val up to the nearest multiple of align, a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// aligndown rounds val down to the nearest multiple of align, a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// isaligned checks if val is wholly divisible by align, a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

// wordsToBytes unpacks little endian words into dst. The last word may
// be partially used.
func wordsToBytes(dst []byte, src []uint32) {
	n := len(dst) / 4
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[4*i:], src[i])
	}
	if rem := len(dst) % 4; rem != 0 {
		var tail [4]byte
		binary.LittleEndian.PutUint32(tail[:], src[n])
		copy(dst[4*n:], tail[:rem])
	}
}

// bytesToWords packs src into little endian words, zero padding the last one.
func bytesToWords(dst []uint32, src []byte) {
	n := len(src) / 4
	for i := 0; i < n; i++ {
		dst[i] = binary.LittleEndian.Uint32(src[4*i:])
	}
	if rem := len(src) % 4; rem != 0 {
		var tail [4]byte
		copy(tail[:], src[4*n:])
		dst[n] = binary.LittleEndian.Uint32(tail[:])
	}
}

// pollUntil calls cond every interval until it reports true, returns an
// error, or timeout elapses. cond is always called at least once.
func pollUntil(timeout, interval time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		} else if ok {
			return nil
		} else if time.Now().After(deadline) {
			return errPollTimeout
		}
		time.Sleep(interval)
	}
}
