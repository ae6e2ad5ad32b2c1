package coalescechannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyBlock(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Latest(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)
}

func TestLatestSingle(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Latest(inputCh)

	// the pipe behaves like a channel buffered by one even though both ends
	// are unbuffered.
	inputCh <- 1
	assert.Equal(t, 1, <-outputCh)

	inputCh <- 2
	assert.Equal(t, 2, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	assert.False(t, ok, "output channel was not closed")
}

func TestLatestMultiple(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Latest(inputCh)

	inputCh <- 1
	inputCh <- 2
	inputCh <- 3
	assert.Equal(t, 3, <-outputCh)

	inputCh <- 6
	inputCh <- 4
	assert.Equal(t, 4, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	assert.False(t, ok, "output channel was not closed")
}

func TestMaxKeepsHighest(t *testing.T) {
	inputCh := make(chan uint64)
	outputCh := Max(inputCh)

	inputCh <- 4
	inputCh <- 9
	inputCh <- 2
	assert.Equal(t, uint64(9), <-outputCh)

	inputCh <- 3
	assert.Equal(t, uint64(3), <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok)
}
