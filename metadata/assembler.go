package metadata

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

var (
	ErrHashMismatch = errors.New("metadata hash mismatch")
	ErrSizeMismatch = errors.New("metadata size differs from agreed size")
	ErrTooLarge     = errors.New("metadata size exceeds limit")
	ErrNoSize       = errors.New("metadata size not agreed yet")
	ErrClosed       = errors.New("metadata already assembled")
)

// MaxStrikes is how many mismatching buffers a session may contribute to
// before it is banned.
const MaxStrikes = 2

// Status is the outcome of a single block write.
type Status int

const (
	Incomplete Status = iota // more blocks needed
	Rejected                 // buffer was complete but failed verification, blocks purged
	Valid                    // this write completed a verified buffer
	Closed                   // a result was already produced, write ignored
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Rejected:
		return "rejected"
	case Valid:
		return "valid"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MismatchError reports a complete buffer whose SHA-1 did not match. All
// contributing sessions are suspects; Banned lists the ones that should be
// disconnected.
type MismatchError struct {
	Suspects []string
	Banned   []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v (suspects %s, banned %s)", ErrHashMismatch,
		strings.Join(e.Suspects, ","), strings.Join(e.Banned, ","))
}

func (e *MismatchError) Unwrap() error { return ErrHashMismatch }

// IsBanned reports whether session is among the banned ones.
func (e *MismatchError) IsBanned(session string) bool {
	for _, s := range e.Banned {
		if s == session {
			return true
		}
	}
	return false
}

// Assembler reassembles metadata blocks arriving from concurrent sessions and
// verifies the result against the info-hash. It emits at most one result.
type Assembler struct {
	// OnProgress, if set, is called after every accepted block.
	OnProgress func(filled, total int)

	mu         sync.Mutex
	infoHash   [20]byte
	maxSize    int
	buf        *Buffer
	sizeSetter string

	// sessions that agreed on the current size, and sessions parked in
	// AwaitSize because they announce another one
	agreed      map[string]bool
	waiting     int
	sizeChanged chan struct{}

	owners     map[string]*roaring.Bitmap
	claims     map[int]string
	strikes    map[string]int
	mismatches int
	// after a mismatch each buffer is filled by a single session so the
	// next failure has exactly one suspect
	isolated bool
	solo     string

	finished bool
	result   *TorrentInfo
	err      error
	done     chan struct{}
}

// NewAssembler returns an assembler for infoHash. Sizes above maxSize are
// refused; maxSize <= 0 means no limit.
func NewAssembler(infoHash [20]byte, maxSize int) *Assembler {
	return &Assembler{
		infoHash:    infoHash,
		maxSize:     maxSize,
		agreed:      make(map[string]bool),
		sizeChanged: make(chan struct{}),
		owners:      make(map[string]*roaring.Bitmap),
		claims:      make(map[int]string),
		strikes:     make(map[string]int),
		done:        make(chan struct{}),
	}
}

func (a *Assembler) checkSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid metadata size %d", size)
	}
	if a.maxSize > 0 && size > a.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, a.maxSize)
	}
	return nil
}

// SetSize agrees on the metadata size. The first caller wins; later callers
// must announce the same size.
func (a *Assembler) SetSize(session string, size int) error {
	if err := a.checkSize(size); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agree(session, size)
}

// agree runs with a.mu held.
func (a *Assembler) agree(session string, size int) error {
	if a.buf == nil {
		a.buf = NewBuffer(size)
		a.sizeSetter = session
	}
	if a.buf.Size() != size {
		return fmt.Errorf("%w: %d != %d", ErrSizeMismatch, size, a.buf.Size())
	}
	a.agreed[session] = true
	return nil
}

// AwaitSize is SetSize for a session that keeps its peer while another size
// is agreed. It blocks until the agreed size is dropped (its setter was banned
// or every session agreeing on it left) and size can be agreed instead, a
// result exists, or ctx is done. A size nobody agrees on anymore is replaced
// right away.
func (a *Assembler) AwaitSize(ctx context.Context, session string, size int) error {
	if err := a.checkSize(size); err != nil {
		return err
	}
	for {
		a.mu.Lock()
		if a.finished {
			a.mu.Unlock()
			return ErrClosed
		}
		if a.buf != nil && a.buf.Size() != size && len(a.agreed) == 0 {
			a.resetSize()
		}
		err := a.agree(session, size)
		if !errors.Is(err, ErrSizeMismatch) {
			a.mu.Unlock()
			return err
		}
		changed := a.sizeChanged
		a.waiting++
		a.mu.Unlock()

		select {
		case <-changed:
		case <-a.done:
		case <-ctx.Done():
		}
		a.mu.Lock()
		a.waiting--
		a.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Agreed reports whether session agreed on the current size. It turns false
// when that size is dropped.
func (a *Assembler) Agreed(session string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agreed[session]
}

// resetSize forgets the agreed size and everything built on it, and wakes the
// sessions parked in AwaitSize. It runs with a.mu held.
func (a *Assembler) resetSize() {
	a.buf = nil
	a.sizeSetter = ""
	a.solo = ""
	a.agreed = make(map[string]bool)
	a.owners = make(map[string]*roaring.Bitmap)
	a.claims = make(map[int]string)
	close(a.sizeChanged)
	a.sizeChanged = make(chan struct{})
}

// Size is the agreed size, 0 while unknown.
func (a *Assembler) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return 0
	}
	return a.buf.Size()
}

// Next picks a block for session to request: a missing block nobody has
// claimed, else any missing block. ok is false when nothing is missing.
func (a *Assembler) Next(session string) (index int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil || a.finished {
		return 0, false
	}
	missing := a.buf.Missing()
	if len(missing) == 0 {
		return 0, false
	}
	if a.solo != "" {
		if a.solo != session {
			// its data would be ignored, keep it busy on one block
			return missing[0], true
		}
		a.claims[missing[0]] = session
		return missing[0], true
	}
	for _, i := range missing {
		if owner, claimed := a.claims[i]; !claimed || owner == session {
			a.claims[i] = session
			return i, true
		}
	}
	return missing[0], true
}

// Release drops the claims session holds, e.g. when it disconnects or the
// peer rejected a request.
func (a *Assembler) Release(session string, index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claims[index] == session {
		delete(a.claims, index)
	}
}

// ReleaseAll drops every claim of session. A session filling an isolated
// buffer takes its blocks with it. When the last session agreeing on the
// size leaves while others wait in AwaitSize, the size is dropped.
func (a *Assembler) ReleaseAll(session string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agreed, session)
	for i, s := range a.claims {
		if s == session {
			delete(a.claims, i)
		}
	}
	if a.solo == session && !a.finished {
		a.solo = ""
		delete(a.owners, session)
		if a.buf != nil {
			a.buf.Reset()
		}
	}
	if len(a.agreed) == 0 && a.waiting > 0 && a.buf != nil && !a.finished {
		a.resetSize()
	}
}

// Write stores block index received from session. When the write completes
// the buffer, the buffer is verified: a match produces the single result
// (Valid), a mismatch purges every block and returns a *MismatchError.
// After the first mismatch only the session that wrote first into the empty
// buffer is stored; other writes are dropped until that buffer is settled.
func (a *Assembler) Write(session string, index int, block []byte) (Status, error) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return Closed, nil
	}
	if a.buf == nil {
		a.mu.Unlock()
		return Incomplete, ErrNoSize
	}
	if a.isolated {
		if a.solo == "" {
			a.solo = session
		} else if a.solo != session {
			a.mu.Unlock()
			return Incomplete, nil
		}
	}
	if err := a.buf.Put(index, block); err != nil {
		a.mu.Unlock()
		return Incomplete, err
	}
	for s, bm := range a.owners {
		if s != session {
			bm.Remove(uint32(index))
		}
	}
	owned, ok := a.owners[session]
	if !ok {
		owned = roaring.New()
		a.owners[session] = owned
	}
	owned.Add(uint32(index))
	delete(a.claims, index)

	filled, total := a.buf.Filled(), a.buf.NumBlocks()
	status, err := Incomplete, error(nil)
	if a.buf.Complete() {
		status, err = a.verify()
	}
	progress := a.OnProgress
	a.mu.Unlock()

	if progress != nil && status != Rejected {
		progress(filled, total)
	}
	return status, err
}

// verify runs with a.mu held on a complete buffer.
func (a *Assembler) verify() (Status, error) {
	data := a.buf.Bytes()
	sum := sha1.Sum(data)
	if !bytes.Equal(sum[:], a.infoHash[:]) {
		return Rejected, a.reject()
	}

	info, err := DecodeInfo(data)
	a.finished = true
	if err != nil {
		// the bytes are authentic, every peer would serve the same thing
		a.err = err
	} else {
		a.result = info
	}
	close(a.done)
	if err != nil {
		return Closed, err
	}
	return Valid, nil
}

func (a *Assembler) reject() error {
	a.mismatches++
	a.isolated = true
	a.solo = ""
	e := &MismatchError{}
	for s, bm := range a.owners {
		if bm.IsEmpty() {
			continue
		}
		e.Suspects = append(e.Suspects, s)
	}
	sort.Strings(e.Suspects)
	for _, s := range e.Suspects {
		a.strikes[s]++
		if len(e.Suspects) == 1 || a.strikes[s] >= MaxStrikes {
			e.Banned = append(e.Banned, s)
		}
	}

	a.buf.Reset()
	a.owners = make(map[string]*roaring.Bitmap)
	a.claims = make(map[int]string)
	for _, s := range e.Banned {
		delete(a.agreed, s)
		if s == a.sizeSetter {
			// the size itself came from a liar, let the next peer decide
			a.resetSize()
			break
		}
	}
	return e
}

// Missing returns the block indices still to fetch, nil while the size is
// unknown.
func (a *Assembler) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	return a.buf.Missing()
}

// Blocks returns the block indices currently held from session.
func (a *Assembler) Blocks(session string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	bm, ok := a.owners[session]
	if !ok {
		return nil
	}
	var out []int
	for _, i := range bm.ToArray() {
		out = append(out, int(i))
	}
	return out
}

// Mismatches counts verification failures so far.
func (a *Assembler) Mismatches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mismatches
}

// Done is closed once a result (or a terminal decode error) is available.
func (a *Assembler) Done() <-chan struct{} {
	return a.done
}

// Result returns the verified info once Done is closed.
func (a *Assembler) Result() (*TorrentInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.finished {
		return nil, ErrNoSize
	}
	return a.result, a.err
}
