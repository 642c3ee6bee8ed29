package skeys

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Stream flags carried in the low bits of every record header.
const (
	FlagEOS   = 0x01
	FlagKeys  = 0x02
	FlagError = 0x04

	flagMask   = 0xfff
	pageShift  = 12
	bufferSize = 128 * 1024
)

var (
	ErrIncomplete = errors.New("storage key data is incomplete")
	ErrMalformed  = errors.New("malformed storage key stream")
)

// Save writes the keys of pages pages to w. A store that was never enabled
// is sent as a bare end-of-stream marker. If reading keys fails part way,
// the remaining data is zero filled and the stream ends with FlagError so
// the destination refuses it.
func Save(w io.Writer, store Store, pages uint64) error {
	bw := bufio.NewWriter(w)
	eos := uint64(FlagEOS)

	if store.Enabled() && pages > 0 {
		if err := putU64(bw, FlagKeys); err != nil {
			return err
		}
		if err := putU64(bw, pages); err != nil {
			return err
		}

		buf := make([]byte, bufferSize)
		failed := false
		for gfn := uint64(0); gfn < pages; {
			n := min(pages-gfn, bufferSize)
			chunk := buf[:n]
			if !failed {
				if err := store.Get(gfn, chunk); err != nil {
					slog.Error("skeys: save", "gfn", gfn, "error", err)
					clear(buf)
					failed = true
					eos = FlagError
				}
			}
			if _, err := bw.Write(chunk); err != nil {
				return fmt.Errorf("write keys: %w", err)
			}
			gfn += n
		}
	}

	if err := putU64(bw, eos); err != nil {
		return err
	}
	return bw.Flush()
}

type keyRecord struct {
	gfn  uint64
	keys []byte
}

// Load reads a stream written by Save and applies it to store. Every record
// is read and validated against limit before the first key is written, so a
// truncated or corrupt stream leaves the store untouched.
func Load(r io.Reader, store Store, limit uint64) error {
	records, err := readKeyRecords(bufio.NewReader(r), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	store.Enable()
	for _, rec := range records {
		if err := store.Set(rec.gfn, rec.keys); err != nil {
			return fmt.Errorf("set storage keys at gfn %d: %w", rec.gfn, err)
		}
	}
	return nil
}

func readKeyRecords(r io.Reader, limit uint64) ([]keyRecord, error) {
	var records []keyRecord
	for {
		hdr, err := getU64(r)
		if err != nil {
			return nil, err
		}
		addr, flags := hdr&^flagMask, hdr&flagMask

		switch flags {
		case FlagKeys:
			count, err := getU64(r)
			if err != nil {
				return nil, err
			}
			gfn := addr >> pageShift
			if err := checkRange(gfn, count, limit); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			keys := make([]byte, count)
			if _, err := io.ReadFull(r, keys); err != nil {
				return nil, fmt.Errorf("%w: read %d keys: %w", ErrMalformed, count, err)
			}
			records = append(records, keyRecord{gfn: gfn, keys: keys})
		case FlagError:
			return nil, ErrIncomplete
		case FlagEOS:
			return records, nil
		default:
			return nil, fmt.Errorf("%w: unexpected flag data %#x", ErrMalformed, flags)
		}
	}
}

// Dump writes a human readable listing of every key.
func Dump(w io.Writer, store Store, pages uint64) error {
	if !store.Enabled() {
		return fmt.Errorf("dump storage keys: %w", ErrDisabled)
	}

	bw := bufio.NewWriter(w)
	buf := make([]byte, bufferSize)
	for gfn := uint64(0); gfn < pages; {
		n := min(pages-gfn, bufferSize)
		if err := store.Get(gfn, buf[:n]); err != nil {
			return fmt.Errorf("dump storage keys: %w", err)
		}
		for i, k := range buf[:n] {
			fmt.Fprintf(bw, "page=%03x: key(%d) => ACC=%X, FP=%d, REF=%d, CH=%d\n",
				gfn+uint64(i), k, (k&KeyACC)>>4, bit(k, KeyFetch), bit(k, KeyRef), bit(k, KeyChange))
		}
		gfn += n
	}
	return bw.Flush()
}

func bit(k byte, mask byte) int {
	if k&mask != 0 {
		return 1
	}
	return 0
}

func putU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func getU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read header: %w", ErrMalformed, err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
