package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New(10)
	r.Register("id-1", "graph", 0.72, "who rules westeros")

	rec, err := r.Lookup("id-1")
	require.NoError(t, err)
	assert.Equal(t, "graph", rec.Arm)
	assert.Equal(t, 0.72, rec.AutoReward)
	assert.Equal(t, "who rules westeros", rec.Question)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestLookupUnknownID(t *testing.T) {
	r := New(10)
	_, err := r.Lookup("no-such-id")
	require.Error(t, err)
	assert.True(t, rag.IsKind(err, rag.KindQueryIDNotFound))
}

func TestFIFOEviction(t *testing.T) {
	r := New(3)
	r.Register("id-1", "hybrid", 0.5, "q1")
	r.Register("id-2", "hybrid", 0.5, "q2")
	r.Register("id-3", "hybrid", 0.5, "q3")
	r.Register("id-4", "hybrid", 0.5, "q4")

	assert.Equal(t, 3, r.Len())
	_, err := r.Lookup("id-1")
	assert.True(t, rag.IsKind(err, rag.KindQueryIDNotFound))
	_, err = r.Lookup("id-4")
	assert.NoError(t, err)
}

func TestRegisterSameIDReplaces(t *testing.T) {
	r := New(3)
	r.Register("id-1", "hybrid", 0.5, "q1")
	r.Register("id-1", "graph", 0.9, "q1 again")

	assert.Equal(t, 1, r.Len())
	rec, err := r.Lookup("id-1")
	require.NoError(t, err)
	assert.Equal(t, "graph", rec.Arm)
}

func TestQuestionTruncated(t *testing.T) {
	r := New(10)
	long := ""
	for i := 0; i < 50; i++ {
		long += "0123456789"
	}
	r.Register("id-1", "table", 0.1, long)
	rec, err := r.Lookup("id-1")
	require.NoError(t, err)
	assert.Len(t, rec.Question, 200)
}

func TestConcurrentRegister(t *testing.T) {
	r := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("id-%d", n), "hybrid", 0.5, fmt.Sprintf("q%d", n))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
