package rollsum

import (
	"math/rand"
	"testing"

	"github.com/hooklift/assert"
)

// TestRollEquivalence verifies that incrementally rolled checksums arrive at
// the same value as recomputing the weak hash from scratch on the
// corresponding window, for every shift position.
func TestRollEquivalence(t *testing.T) {
	data := srand(42, 4096)
	const window = 64

	h := New(data[:window])
	assert.Equals(t, Block(data[:window]), h.Sum())

	for i := 1; i+window <= len(data); i++ {
		h.Roll(data[i-1], data[i+window-1])
		want := Block(data[i : i+window])
		assert.Equals(t, want, h.Sum())
	}
}

// TestRollRsyncThesisExample mirrors the worked example from gsync_test.go:
// a target window of "abcd" should be found inside "aaabcd" purely through
// rolling, without ever recomputing from scratch except at the very start.
func TestRollRsyncThesisExample(t *testing.T) {
	target := Block([]byte("abcd"))
	source := []byte("aaabcd")

	h := New(source[:4])
	var delta []byte
	offset := 0
	for {
		if h.Sum() == target {
			break
		}
		delta = append(delta, source[offset])
		h.Roll(source[offset], source[offset+4])
		offset++
	}

	assert.Equals(t, target, h.Sum())
	assert.Equals(t, []byte("aa"), delta)
}

func TestLenTracksWindow(t *testing.T) {
	h := New(make([]byte, 17))
	assert.Equals(t, uint32(17), h.Len())
}

var alpha = []byte("abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789")

func srand(seed int64, size int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = alpha[r.Intn(len(alpha))]
	}
	return buf
}
