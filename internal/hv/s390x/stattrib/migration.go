package stattrib

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Stream flags carried in the low bits of every record header.
const (
	FlagEOS   = 0x01
	FlagMore  = 0x02
	FlagError = 0x04
	FlagDone  = 0x08

	flagMask  = 0xfff
	pageShift = 12

	// DefaultBlockSize is the largest run of attributes sent in one record.
	DefaultBlockSize = 512 * 1024
)

var (
	ErrIncomplete = errors.New("storage attribute data is incomplete")
	ErrMalformed  = errors.New("malformed storage attribute stream")
)

// SaverConfig tunes an outbound migration.
type SaverConfig struct {
	// BlockSize bounds the values sent per record. Zero means
	// DefaultBlockSize; values above MaxValuesPerCall are clamped.
	BlockSize int
	// BytesPerSecond bounds iteration throughput. Zero means unlimited.
	BytesPerSecond float64
	Logger         *slog.Logger
}

// Saver produces the outbound attribute stream of one migration.
type Saver struct {
	w       io.Writer
	store   Store
	log     *slog.Logger
	limiter *rate.Limiter
	block   []byte
	cursor  Cursor
	sent    uint64
}

func NewSaver(w io.Writer, store Store, cfg SaverConfig) *Saver {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	cfg.BlockSize = min(cfg.BlockSize, MaxValuesPerCall)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.BytesPerSecond > 0 {
		limit = rate.Limit(cfg.BytesPerSecond)
	}
	return &Saver{
		w:       w,
		store:   store,
		log:     cfg.Logger,
		limiter: rate.NewLimiter(limit, cfg.BlockSize),
		block:   make([]byte, cfg.BlockSize),
	}
}

// Setup switches the store into migration mode and opens the stream.
func (s *Saver) Setup() error {
	if err := s.store.SetMigrationMode(true); err != nil {
		return err
	}
	s.cursor = Cursor{}
	return putU64(s.w, FlagEOS)
}

// Pending estimates the attributes still to be sent.
func (s *Saver) Pending() uint64 {
	return s.store.DirtyCount()
}

// Sent returns how many attribute values have been written.
func (s *Saver) Sent() uint64 {
	return s.sent
}

// Iterate sends dirty attributes until none are left or the rate budget is
// used up, then closes the section. done reports that nothing is dirty. The
// first block of a pass waits for budget, so every pass that has dirty
// attributes sends at least one record.
func (s *Saver) Iterate(ctx context.Context) (done bool, err error) {
	if !s.store.MigrationMode() {
		return false, ErrNotMigrating
	}

	for first := true; s.store.DirtyCount() > 0; first = false {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if first {
			if err := s.limiter.WaitN(ctx, len(s.block)); err != nil {
				return false, err
			}
		} else if !s.limiter.AllowN(time.Now(), len(s.block)) {
			break
		}
		n, err := s.sendBlock()
		if err != nil {
			return false, err
		}
		if n == 0 {
			break
		}
	}

	if err := putU64(s.w, FlagEOS); err != nil {
		return false, err
	}
	return s.store.DirtyCount() == 0, nil
}

// Complete sends everything still dirty regardless of the rate budget and
// marks the stream finished.
func (s *Saver) Complete() error {
	for s.store.DirtyCount() > 0 {
		n, err := s.sendBlock()
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	if err := putU64(s.w, FlagDone); err != nil {
		return err
	}
	return putU64(s.w, FlagEOS)
}

// Cleanup leaves migration mode. It is safe to call after a failed
// migration.
func (s *Saver) Cleanup() {
	if err := s.store.SetMigrationMode(false); err != nil {
		s.log.Warn("stattrib: leave migration mode", "error", err)
	}
}

func (s *Saver) sendBlock() (int, error) {
	n, err := s.store.Get(&s.cursor, s.block)
	if err != nil {
		s.log.Error("stattrib: get attributes", "gfn", s.cursor.GFN, "error", err)
		if werr := putU64(s.w, FlagError); werr != nil {
			return 0, werr
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if err := putU64(s.w, s.cursor.GFN<<pageShift|FlagMore); err != nil {
		return 0, err
	}
	if err := putU64(s.w, uint64(n)); err != nil {
		return 0, err
	}
	if _, err := s.w.Write(s.block[:n]); err != nil {
		return 0, fmt.Errorf("write attributes: %w", err)
	}

	s.sent += uint64(n)
	s.cursor.GFN += uint64(n)
	return n, nil
}

// Save runs a whole migration into w without a rate limit: setup, one
// iteration and completion.
func Save(ctx context.Context, w io.Writer, store Store, cfg SaverConfig) error {
	bw := bufio.NewWriter(w)
	cfg.BytesPerSecond = 0
	s := NewSaver(bw, store, cfg)
	defer s.Cleanup()

	if err := s.Setup(); err != nil {
		return err
	}
	if _, err := s.Iterate(ctx); err != nil {
		return err
	}
	if err := s.Complete(); err != nil {
		return err
	}
	return bw.Flush()
}

// LoadSection consumes records up to the next end-of-section marker. done
// reports that the section carried the completion marker.
func LoadSection(r io.Reader, store Store, maxBlock uint64) (done bool, err error) {
	for {
		hdr, err := getU64(r)
		if err != nil {
			return done, err
		}
		gfn, flags := hdr>>pageShift, hdr&flagMask

		switch flags {
		case FlagMore:
			count, err := getU64(r)
			if err != nil {
				return done, err
			}
			if count > maxBlock {
				return done, fmt.Errorf("%w: record of %d values exceeds %d", ErrMalformed, count, maxBlock)
			}
			values := make([]byte, count)
			if _, err := io.ReadFull(r, values); err != nil {
				return done, fmt.Errorf("%w: read %d values: %w", ErrMalformed, count, err)
			}
			if err := store.Set(gfn, values); err != nil {
				return done, fmt.Errorf("set attributes at gfn %d: %w", gfn, err)
			}
		case FlagDone:
			if err := store.Synchronize(); err != nil {
				return done, fmt.Errorf("apply attributes: %w", err)
			}
			done = true
		case FlagError:
			return done, ErrIncomplete
		case FlagEOS:
			return done, nil
		default:
			return done, fmt.Errorf("%w: unexpected flag data %#x", ErrMalformed, flags)
		}
	}
}

// Load consumes sections until the completion marker has been applied.
func Load(r io.Reader, store Store) error {
	br := bufio.NewReader(r)
	for {
		if _, err := br.Peek(1); err == io.EOF {
			return fmt.Errorf("%w: stream ended before completion", ErrIncomplete)
		}
		done, err := LoadSection(br, store, MaxValuesPerCall)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Dump writes count attributes from start, sixteen to a line, without
// changing dirty state.
func Dump(w io.Writer, store Store, start, count uint64) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 16)
	for gfn := start; gfn < start+count; {
		want := min(start+count-gfn, uint64(len(buf)))
		n, err := store.Peek(gfn, buf[:want])
		if err != nil {
			return fmt.Errorf("dump storage attributes: %w", err)
		}
		if n == 0 {
			break
		}
		fmt.Fprintf(bw, "%016x:", gfn)
		for _, v := range buf[:n] {
			fmt.Fprintf(bw, " %02x", v)
		}
		fmt.Fprintln(bw)
		gfn += uint64(n)
	}
	return bw.Flush()
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
