package metadata

import (
	"context"
	"crypto/sha1"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// padded returns a valid info dictionary of exactly size bytes.
func padded(t *testing.T, size int) []byte {
	t.Helper()
	head := "d6:lengthi5e4:name4:test7:padding"
	tail := "12:piece lengthi16384e6:pieces20:" + strings.Repeat("p", 20) + "e"
	for n := size - len(head) - len(tail); n > 0; n-- {
		pad := strconv.Itoa(n) + ":" + strings.Repeat("x", n)
		if len(head)+len(pad)+len(tail) == size {
			return []byte(head + pad + tail)
		}
	}
	t.Fatalf("cannot pad info to %d bytes", size)
	return nil
}

func block(data []byte, i int) []byte {
	end := (i + 1) * BlockSize
	if end > len(data) {
		end = len(data)
	}
	return append([]byte(nil), data[i*BlockSize:end]...)
}

func TestNumBlocks(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{1, 1},
		{BlockSize, 1},
		{BlockSize + 1, 2},
		{3 * BlockSize, 3},
	}
	for _, tt := range tests {
		if got := NumBlocks(tt.size); got != tt.want {
			t.Errorf("NumBlocks(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
	b := NewBuffer(BlockSize + 10)
	if got := b.BlockLen(1); got != 10 {
		t.Errorf("BlockLen(1) = %d, want 10", got)
	}
}

func TestAssemblerValid(t *testing.T) {
	data := padded(t, 2*BlockSize+100)
	a := NewAssembler(sha1.Sum(data), 0)
	if err := a.SetSize("s1", len(data)); err != nil {
		t.Fatal(err)
	}
	var progress []int
	a.OnProgress = func(filled, total int) { progress = append(progress, filled) }

	for i, session := range []string{"s1", "s2", "s1"} {
		status, err := a.Write(session, i, block(data, i))
		if err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
		want := Incomplete
		if i == 2 {
			want = Valid
		}
		if status != want {
			t.Errorf("Write(%d) = %v, want %v", i, status, want)
		}
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done() not closed")
	}
	info, err := a.Result()
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "test" || info.Length != 5 {
		t.Errorf("Result() = %v", info)
	}
	if !reflect.DeepEqual(progress, []int{1, 2, 3}) {
		t.Errorf("progress = %v", progress)
	}
	if status, _ := a.Write("s2", 0, block(data, 0)); status != Closed {
		t.Errorf("Write after result = %v, want closed", status)
	}
}

func TestAssemblerAtMostOnce(t *testing.T) {
	data := padded(t, 4*BlockSize)
	a := NewAssembler(sha1.Sum(data), 0)

	var (
		mu    sync.Mutex
		valid int
		wg    sync.WaitGroup
	)
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			if err := a.SetSize(session, len(data)); err != nil {
				t.Error(err)
				return
			}
			for i := 0; i < NumBlocks(len(data)); i++ {
				status, err := a.Write(session, i, block(data, i))
				if err != nil {
					t.Error(err)
				}
				if status == Valid {
					mu.Lock()
					valid++
					mu.Unlock()
				}
			}
		}("s" + strconv.Itoa(s))
	}
	wg.Wait()
	if valid != 1 {
		t.Errorf("got %d valid results, want 1", valid)
	}
}

func TestAssemblerCorruptBlock(t *testing.T) {
	data := padded(t, 3*BlockSize)
	a := NewAssembler(sha1.Sum(data), 0)
	if err := a.SetSize("seed", len(data)); err != nil {
		t.Fatal(err)
	}

	corrupt := block(data, 1)
	corrupt[0] ^= 0xff

	a.Write("good", 0, block(data, 0))
	a.Write("bad", 1, corrupt)
	status, err := a.Write("good", 2, block(data, 2))
	if status != Rejected || !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("Write() = %v, %v", status, err)
	}
	var me *MismatchError
	if !errors.As(err, &me) {
		t.Fatal("error is not a MismatchError")
	}
	if !reflect.DeepEqual(me.Suspects, []string{"bad", "good"}) {
		t.Errorf("suspects = %v", me.Suspects)
	}
	if len(me.Banned) != 0 {
		t.Errorf("banned = %v after one shared mismatch", me.Banned)
	}
	if got := a.Missing(); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("Missing() = %v, want all blocks", got)
	}
	if len(a.Blocks("bad")) != 0 {
		t.Error("blocks from bad were kept")
	}

	// bad fills the next buffer alone, good is ignored meanwhile
	a.Write("bad", 0, block(data, 0))
	if status, err := a.Write("good", 1, block(data, 1)); status != Incomplete || err != nil {
		t.Errorf("Write(good) during isolation = %v, %v", status, err)
	}
	if len(a.Blocks("good")) != 0 {
		t.Error("write from good was stored during isolation")
	}
	if i, _ := a.Next("good"); i != 1 {
		t.Errorf("Next(good) = %d, want 1", i)
	}
	a.Write("bad", 1, corrupt)
	_, err = a.Write("bad", 2, block(data, 2))
	if !errors.As(err, &me) || !reflect.DeepEqual(me.Suspects, []string{"bad"}) || !me.IsBanned("bad") {
		t.Fatalf("isolated mismatch = %v, want bad banned", err)
	}
	if got := a.Mismatches(); got != 2 {
		t.Errorf("Mismatches() = %d", got)
	}
	select {
	case <-a.Done():
		t.Fatal("corrupted data produced a result")
	default:
	}

	for i := 0; i < 3; i++ {
		status, err := a.Write("good", i, block(data, i))
		if err != nil {
			t.Fatal(err)
		}
		if i == 2 && status != Valid {
			t.Errorf("clean write = %v, want valid", status)
		}
	}
}

func TestAssemblerSoloLeaves(t *testing.T) {
	data := padded(t, 2*BlockSize)
	a := NewAssembler(sha1.Sum(data), 0)
	a.SetSize("a", len(data))
	a.Write("a", 0, make([]byte, BlockSize))
	a.Write("b", 1, make([]byte, BlockSize))

	a.Write("a", 0, block(data, 0))
	a.ReleaseAll("a")
	if got := a.Missing(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("Missing() after solo left = %v", got)
	}
	a.Write("b", 0, block(data, 0))
	if status, _ := a.Write("b", 1, block(data, 1)); status != Valid {
		t.Errorf("Write() = %v, want valid", status)
	}
}

func TestAssemblerSoleLiar(t *testing.T) {
	data := padded(t, BlockSize+10)
	a := NewAssembler(sha1.Sum(data), 0)
	if err := a.SetSize("liar", len(data)); err != nil {
		t.Fatal(err)
	}
	a.Write("liar", 0, make([]byte, BlockSize))
	_, err := a.Write("liar", 1, make([]byte, 10))
	var me *MismatchError
	if !errors.As(err, &me) || !me.IsBanned("liar") {
		t.Fatalf("Write() error = %v, want liar banned", err)
	}
	if a.Size() != 0 {
		t.Errorf("Size() = %d, want reset", a.Size())
	}
	if err := a.SetSize("honest", len(data)+1); err != nil {
		t.Errorf("SetSize after reset = %v", err)
	}
}

func TestAssemblerAwaitSize(t *testing.T) {
	data := padded(t, BlockSize+10)
	tests := []struct {
		name string
		drop func(a *Assembler)
	}{
		{"setter banned", func(a *Assembler) {
			a.Write("liar", 0, make([]byte, BlockSize))
			a.Write("liar", 1, make([]byte, BlockSize))
		}},
		{"setter left", func(a *Assembler) {
			a.ReleaseAll("liar")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(sha1.Sum(data), 0)
			if err := a.SetSize("liar", 2*BlockSize); err != nil {
				t.Fatal(err)
			}
			agreed := make(chan error, 1)
			go func() { agreed <- a.AwaitSize(context.Background(), "honest", len(data)) }()
			select {
			case err := <-agreed:
				t.Fatalf("AwaitSize() = %v while another size is agreed", err)
			case <-time.After(50 * time.Millisecond):
			}

			tt.drop(a)
			select {
			case err := <-agreed:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("AwaitSize() still blocked after the size was dropped")
			}
			if a.Size() != len(data) || !a.Agreed("honest") || a.Agreed("liar") {
				t.Errorf("Size() = %d, agreed honest %v liar %v", a.Size(), a.Agreed("honest"), a.Agreed("liar"))
			}
			a.Write("honest", 0, block(data, 0))
			if status, err := a.Write("honest", 1, block(data, 1)); status != Valid {
				t.Errorf("Write() = %v, %v", status, err)
			}
		})
	}
}

func TestAssemblerAwaitSizeEnds(t *testing.T) {
	data := padded(t, 100)
	a := NewAssembler(sha1.Sum(data), 0)
	a.SetSize("a", len(data))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.AwaitSize(ctx, "b", 200); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitSize() = %v, want deadline", err)
	}
	// nobody waits, so the setter leaving keeps the size
	a.ReleaseAll("a")
	if a.Size() != len(data) {
		t.Errorf("Size() = %d", a.Size())
	}
	// and a size nobody agrees on is replaced
	if err := a.AwaitSize(context.Background(), "c", 200); err != nil || a.Size() != 200 {
		t.Errorf("AwaitSize() = %v, Size() = %d", err, a.Size())
	}

	b := NewAssembler(sha1.Sum(data), 0)
	b.SetSize("a", len(data))
	b.Write("a", 0, data)
	if err := b.AwaitSize(context.Background(), "b", 200); !errors.Is(err, ErrClosed) {
		t.Errorf("AwaitSize() after result = %v", err)
	}
}

func TestAssemblerSizeErrors(t *testing.T) {
	a := NewAssembler([20]byte{}, 100)
	if _, err := a.Write("s", 0, []byte{1}); !errors.Is(err, ErrNoSize) {
		t.Errorf("Write before size = %v", err)
	}
	if err := a.SetSize("s", 101); !errors.Is(err, ErrTooLarge) {
		t.Errorf("SetSize(101) = %v", err)
	}
	if err := a.SetSize("s", 0); err == nil {
		t.Error("SetSize(0) accepted")
	}
	if err := a.SetSize("s", 50); err != nil {
		t.Fatal(err)
	}
	if err := a.SetSize("t", 60); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("SetSize(60) = %v", err)
	}
	if _, err := a.Write("s", 0, make([]byte, 49)); err == nil {
		t.Error("short block accepted")
	}
	if _, err := a.Write("s", 1, make([]byte, 50)); err == nil {
		t.Error("out of range block accepted")
	}
}

func TestAssemblerNext(t *testing.T) {
	a := NewAssembler([20]byte{}, 0)
	if _, ok := a.Next("a"); ok {
		t.Error("Next() before size")
	}
	a.SetSize("a", 2*BlockSize)
	if i, _ := a.Next("a"); i != 0 {
		t.Errorf("Next(a) = %d, want 0", i)
	}
	if i, _ := a.Next("b"); i != 1 {
		t.Errorf("Next(b) = %d, want 1", i)
	}
	// everything is claimed, c duplicates the first missing block
	if i, ok := a.Next("c"); !ok || i != 0 {
		t.Errorf("Next(c) = %d, %v", i, ok)
	}
	a.ReleaseAll("b")
	if i, _ := a.Next("c"); i != 1 {
		t.Errorf("Next(c) after release = %d, want 1", i)
	}
}
