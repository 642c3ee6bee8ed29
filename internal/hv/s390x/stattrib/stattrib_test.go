package stattrib

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func fill(t *testing.T, s *Software) {
	t.Helper()
	for gfn := uint64(0); gfn < s.Pages(); gfn++ {
		if err := s.Update(gfn, byte(gfn*7)); err != nil {
			t.Fatalf("Update(%d): %v", gfn, err)
		}
	}
}

func peekAll(t *testing.T, s Store, pages uint64) []byte {
	t.Helper()
	out := make([]byte, pages)
	n, err := s.Peek(0, out)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if uint64(n) != pages {
		t.Fatalf("Peek returned %d values, want %d", n, pages)
	}
	return out
}

func drain(t *testing.T, s Store) {
	t.Helper()
	var c Cursor
	buf := make([]byte, 4096)
	for s.DirtyCount() > 0 {
		n, err := s.Get(&c, buf)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if n == 0 {
			t.Fatal("Get returned nothing with dirty pages left")
		}
		c.GFN += uint64(n)
	}
}

func TestSoftwarePeek(t *testing.T) {
	s := NewSoftware(20, nil)
	fill(t, s)

	got := make([]byte, 8)
	n, err := s.Peek(16, got)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if n != 4 {
		t.Fatalf("Peek past the end returned %d values, want 4", n)
	}
	if diff := cmp.Diff([]byte{112, 119, 126, 133}, got[:n]); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}

	if _, err := s.Peek(21, got); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Peek beyond limit: expected ErrOutOfRange, got %v", err)
	}
	if err := s.Update(20, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Update beyond limit: expected ErrOutOfRange, got %v", err)
	}
	if s.DirtyCount() != 0 {
		t.Fatal("updates outside migration mode were tracked")
	}
}

func TestMigrationModeMarksAllDirty(t *testing.T) {
	s := NewSoftware(100, nil)
	if err := s.SetMigrationMode(true); err != nil {
		t.Fatalf("SetMigrationMode: %v", err)
	}
	if !s.MigrationMode() || s.DirtyCount() != 100 {
		t.Fatalf("migration mode %t, dirty %d", s.MigrationMode(), s.DirtyCount())
	}

	var c Cursor
	n, err := s.Get(&c, make([]byte, 30))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n != 30 || c.GFN != 0 || c.Remaining != 70 {
		t.Fatalf("Get = %d, cursor %+v", n, c)
	}

	if err := s.SetMigrationMode(false); err != nil {
		t.Fatalf("SetMigrationMode: %v", err)
	}
	if s.DirtyCount() != 0 {
		t.Fatalf("dirty count after leaving migration mode = %d", s.DirtyCount())
	}
}

func TestGetStopsAfterCleanRun(t *testing.T) {
	s := NewSoftware(100, nil)
	if err := s.SetMigrationMode(true); err != nil {
		t.Fatalf("SetMigrationMode: %v", err)
	}
	drain(t, s)

	for gfn, v := range map[uint64]byte{10: 1, 20: 2, 50: 3} {
		if err := s.Update(gfn, v); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	c := Cursor{}
	buf := make([]byte, 100)
	n, err := s.Get(&c, buf)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n != 11 || c.GFN != 10 || c.Remaining != 1 {
		t.Fatalf("Get = %d, cursor %+v; want 11 values from gfn 10 with 1 left", n, c)
	}
	if buf[0] != 1 || buf[10] != 2 {
		t.Fatalf("block = %v", buf[:n])
	}

	c.GFN += uint64(n)
	n, err = s.Get(&c, buf)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n != 1 || c.GFN != 50 || buf[0] != 3 || c.Remaining != 0 {
		t.Fatalf("second Get = %d, cursor %+v", n, c)
	}
}

func TestGetWrapsAround(t *testing.T) {
	s := NewSoftware(64, nil)
	if err := s.SetMigrationMode(true); err != nil {
		t.Fatalf("SetMigrationMode: %v", err)
	}
	drain(t, s)
	if err := s.Update(5, 9); err != nil {
		t.Fatalf("Update: %v", err)
	}

	c := Cursor{GFN: 60}
	n, err := s.Get(&c, make([]byte, 8))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n != 1 || c.GFN != 5 {
		t.Fatalf("Get = %d, cursor %+v; want the dirty page below the cursor", n, c)
	}
}

func TestSetIsAppliedOnSynchronize(t *testing.T) {
	s := NewSoftware(32, nil)

	if err := s.Set(4, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := peekAll(t, s, 32); got[4] != 0 {
		t.Fatal("Set applied before Synchronize")
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if got := peekAll(t, s, 32); !bytes.Equal(got[4:7], []byte{1, 2, 3}) {
		t.Fatalf("values after Synchronize = %v", got[4:7])
	}
}

func TestSynchronizeIsAllOrNothing(t *testing.T) {
	s := NewSoftware(32, nil)
	before := peekAll(t, s, 32)

	if err := s.Set(0, []byte{9, 9}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(31, []byte{9, 9}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Synchronize(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if diff := cmp.Diff(before, peekAll(t, s, 32)); diff != "" {
		t.Fatalf("failed Synchronize changed the store (-before +after):\n%s", diff)
	}

	// The rejected data is gone.
	if err := s.Synchronize(); err != nil {
		t.Fatalf("second Synchronize: %v", err)
	}
}

func TestSoftwareConcurrentAccess(t *testing.T) {
	s := NewSoftware(1024, nil)
	if err := s.SetMigrationMode(true); err != nil {
		t.Fatalf("SetMigrationMode: %v", err)
	}
	drain(t, s)

	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			for i := 0; i < 128; i++ {
				if err := s.Update(uint64(w*128+i), byte(w)); err != nil {
					return err
				}
				if _, err := s.Peek(uint64(i), make([]byte, 4)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if s.DirtyCount() != 1024 {
		t.Fatalf("dirty count = %d, want 1024", s.DirtyCount())
	}
}

func TestMigrationRoundTrip(t *testing.T) {
	const pages = 2000
	src := NewSoftware(pages, nil)
	fill(t, src)

	var stream bytes.Buffer
	if err := Save(context.Background(), &stream, src, SaverConfig{BlockSize: 256}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if src.MigrationMode() {
		t.Fatal("source still in migration mode after Save")
	}

	dst := NewSoftware(pages, nil)
	if err := Load(&stream, dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(peekAll(t, src, pages), peekAll(t, dst, pages)); diff != "" {
		t.Fatalf("destination differs (-src +dst):\n%s", diff)
	}
}

func TestIterateHonorsRateBudget(t *testing.T) {
	s := NewSoftware(1000, nil)
	var stream bytes.Buffer
	saver := NewSaver(&stream, s, SaverConfig{BlockSize: 64, BytesPerSecond: 1})

	if _, err := saver.Iterate(context.Background()); !errors.Is(err, ErrNotMigrating) {
		t.Fatalf("Iterate before Setup: expected ErrNotMigrating, got %v", err)
	}
	if err := saver.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer saver.Cleanup()

	done, err := saver.Iterate(context.Background())
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if done || saver.Sent() != 64 || saver.Pending() != 936 {
		t.Fatalf("done %t, sent %d, pending %d; want one block", done, saver.Sent(), saver.Pending())
	}

	if err := saver.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if saver.Sent() != 1000 || saver.Pending() != 0 {
		t.Fatalf("sent %d, pending %d after Complete", saver.Sent(), saver.Pending())
	}

	dst := NewSoftware(1000, nil)
	if err := Load(&stream, dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestIterateCanceled(t *testing.T) {
	s := NewSoftware(16, nil)
	saver := NewSaver(&bytes.Buffer{}, s, SaverConfig{})
	if err := saver.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer saver.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := saver.Iterate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMigrationRoundTripLargestBlock(t *testing.T) {
	const pages = MaxValuesPerCall + 5
	src := NewSoftware(pages, nil)
	fill(t, src)

	var stream bytes.Buffer
	if err := Save(context.Background(), &stream, src, SaverConfig{BlockSize: MaxValuesPerCall}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dst := NewSoftware(pages, nil)
	if err := Load(&stream, dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(peekAll(t, src, pages), peekAll(t, dst, pages)) {
		t.Fatal("destination differs from source")
	}
}

func TestSaverClampsBlockSize(t *testing.T) {
	saver := NewSaver(&bytes.Buffer{}, NewSoftware(16, nil), SaverConfig{BlockSize: 4 * MaxValuesPerCall})
	if len(saver.block) != MaxValuesPerCall {
		t.Fatalf("block size = %d, want %d", len(saver.block), MaxValuesPerCall)
	}
}

func TestIteratePacesRateLimitedSave(t *testing.T) {
	const (
		pages     = 1000
		blockSize = 100
	)
	s := NewSoftware(pages, nil)
	var stream bytes.Buffer
	saver := NewSaver(&stream, s, SaverConfig{BlockSize: blockSize, BytesPerSecond: 20000})
	if err := saver.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer saver.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	calls := 0
	for {
		done, err := saver.Iterate(ctx)
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		calls++
		if done {
			break
		}
	}

	// Each pass sends at least one block, so the stream holds no empty
	// sections beyond one per block.
	if calls > pages/blockSize {
		t.Fatalf("%d passes for %d blocks", calls, pages/blockSize)
	}
	if want := 8 + (pages/blockSize)*(16+blockSize) + calls*8; stream.Len() != want {
		t.Fatalf("stream is %d bytes, want %d", stream.Len(), want)
	}
}

func TestIterateWaitCanceled(t *testing.T) {
	s := NewSoftware(1000, nil)
	saver := NewSaver(&bytes.Buffer{}, s, SaverConfig{BlockSize: 64, BytesPerSecond: 1})
	if err := saver.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer saver.Cleanup()

	if _, err := saver.Iterate(context.Background()); err != nil {
		t.Fatalf("Iterate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := saver.Iterate(ctx); err == nil {
		t.Fatal("Iterate waited past its deadline")
	}
	if saver.Sent() != 64 {
		t.Fatalf("sent %d, want only the first block", saver.Sent())
	}
}

func TestMaxPagesFitsBitmap(t *testing.T) {
	if blocks := (uint32(MaxPages) + 63) / 64; uint64(blocks)*64 < MaxPages {
		t.Fatalf("bitmap of %d pages rounds to %d blocks", uint64(MaxPages), blocks)
	}
}

func record(words ...uint64) []byte {
	var b []byte
	for _, w := range words {
		b = binary.BigEndian.AppendUint64(b, w)
	}
	return b
}

func TestLoadRejectsBadStreams(t *testing.T) {
	more := append(record(3<<pageShift|FlagMore, 2), 7, 8)

	tests := []struct {
		name   string
		stream []byte
		want   error
	}{
		{"error marker", record(FlagError), ErrIncomplete},
		{"unknown flag", record(0x10), ErrMalformed},
		{"truncated values", append(record(FlagMore, 10), 1, 2), ErrMalformed},
		{"truncated header", []byte{0, 0, 0}, ErrMalformed},
		{"oversized record", record(FlagMore, DefaultBlockSize+1), ErrMalformed},
		{"no completion", append(more, record(FlagEOS)...), ErrIncomplete},
		{"out of range", append(append(record(100<<pageShift|FlagMore, 1), 1), record(FlagDone)...), ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := NewSoftware(32, nil)
			err := Load(bytes.NewReader(tt.stream), dst)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got := peekAll(t, dst, 32); !bytes.Equal(got, make([]byte, 32)) {
				t.Fatalf("rejected stream changed the store: %v", got)
			}
		})
	}
}

func TestLoadAppliesOnDone(t *testing.T) {
	stream := append(record(FlagEOS, 3<<pageShift|FlagMore, 2), 7, 8)
	stream = append(stream, record(FlagEOS, FlagDone, FlagEOS)...)

	dst := NewSoftware(8, nil)
	if err := Load(bytes.NewReader(stream), dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 7, 8, 0, 0, 0}, peekAll(t, dst, 8)); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestDump(t *testing.T) {
	s := NewSoftware(20, nil)
	for gfn := uint64(0); gfn < 20; gfn++ {
		if err := s.Update(gfn, byte(gfn)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	var out strings.Builder
	if err := Dump(&out, s, 0, 20); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	want := "0000000000000000: 00 01 02 03 04 05 06 07 08 09 0a 0b 0c 0d 0e 0f\n" +
		"0000000000000010: 10 11 12 13\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Fatalf("dump (-want +got):\n%s", diff)
	}
}

// fakeAccel models the kernel side with a software store.
type fakeAccel struct {
	sw      *Software
	sets    int
	modeErr error
}

func (f *fakeAccel) GetCMMA(start uint64, values []byte) (uint64, int, uint64, error) {
	c := Cursor{GFN: start}
	n, err := f.sw.Get(&c, values)
	return c.GFN, n, c.Remaining, err
}

func (f *fakeAccel) PeekCMMA(start uint64, values []byte) (int, error) {
	return f.sw.Peek(start, values)
}

func (f *fakeAccel) SetCMMA(start uint64, values []byte) error {
	f.sets++
	if err := f.sw.Set(start, values); err != nil {
		return err
	}
	return f.sw.Synchronize()
}

func (f *fakeAccel) SetMigrationMode(enabled bool) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	return f.sw.SetMigrationMode(enabled)
}

func TestNewSelectsBackend(t *testing.T) {
	if _, ok := New(4, nil, nil).(*Software); !ok {
		t.Fatal("expected software backend without accelerator")
	}
	if _, ok := New(4, &fakeAccel{sw: NewSoftware(4, nil)}, nil).(*Accelerated); !ok {
		t.Fatal("expected accelerated backend with accelerator")
	}
}

func TestAcceleratedRoundTrip(t *testing.T) {
	const pages = 700
	backing := NewSoftware(pages, nil)
	fill(t, backing)
	src := NewAccelerated(pages, &fakeAccel{sw: backing}, nil)

	if src.DirtyCount() != 0 {
		t.Fatal("dirty pages reported outside migration mode")
	}

	var stream bytes.Buffer
	if err := Save(context.Background(), &stream, src, SaverConfig{BlockSize: 100}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if backing.MigrationMode() {
		t.Fatal("accelerator left in migration mode")
	}

	f := &fakeAccel{sw: NewSoftware(pages, nil)}
	dst := NewAccelerated(pages, f, nil)
	if err := Load(&stream, dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.sets != 7 {
		t.Fatalf("accelerator saw %d set calls, want 7", f.sets)
	}
	if diff := cmp.Diff(peekAll(t, backing, pages), peekAll(t, dst, pages)); diff != "" {
		t.Fatalf("destination differs (-src +dst):\n%s", diff)
	}
}

func TestAcceleratedSynchronizeValidatesFirst(t *testing.T) {
	f := &fakeAccel{sw: NewSoftware(16, nil)}
	a := NewAccelerated(16, f, nil)

	if err := a.Set(0, []byte{1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := a.Set(15, []byte{1, 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := a.Synchronize(); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if f.sets != 0 {
		t.Fatalf("accelerator written %d times before validation finished", f.sets)
	}
}

func TestAcceleratedMigrationModeFailure(t *testing.T) {
	a := NewAccelerated(16, &fakeAccel{sw: NewSoftware(16, nil), modeErr: errors.New("ENOTSUP")}, nil)
	if err := a.SetMigrationMode(true); err == nil {
		t.Fatal("expected accelerator failure")
	}
	if a.MigrationMode() {
		t.Fatal("migration mode recorded despite failure")
	}
}
