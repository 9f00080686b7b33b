package helper

import (
	crand "crypto/rand"
	"math/rand"
	"sync"
	"time"
)

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// client prefix in Azureus style: -<client id><version>-
const peerIDPrefix = "-MT0100-"

var (
	mu  sync.Mutex
	rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// GeneratePeerID returns a 20 byte peer id with the client prefix.
func GeneratePeerID() [20]byte {
	peerID := [20]byte{}
	n := copy(peerID[:], peerIDPrefix)
	copy(peerID[n:], GenerateRandomID(20-n))
	return peerID
}

// GenerateRandomID returns size printable random bytes, used for
// transaction ids and tracker keys.
func GenerateRandomID(size int) []byte {
	mu.Lock()
	defer mu.Unlock()
	id := make([]byte, size)
	for i := 0; i < size; i++ {
		id[i] = symbols[rnd.Intn(len(symbols))]
	}
	return id
}

// GenerateNodeID returns a uniformly random 160 bit DHT node id.
func GenerateNodeID() [20]byte {
	var id [20]byte
	if _, err := crand.Read(id[:]); err != nil {
		mu.Lock()
		rnd.Read(id[:])
		mu.Unlock()
	}
	return id
}
