package photo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlsync/internal/domain/terminal"
)

func jpeg(n int, seed uint32) []byte {
	b := make([]byte, n)
	copy(b, []byte{0xFF, 0xD8, 0xFF})
	binary.BigEndian.PutUint32(b[3:], seed)
	return b
}

func TestPlan_RespectsCeilings(t *testing.T) {
	var items []item
	for i := 0; i < 150; i++ {
		items = append(items, item{photo: terminal.PhotoItem{UserID: int64(i + 1), Image: jpeg(60<<10, uint32(i))}})
	}

	batches := plan(items, terminal.MaxBatchBytes, 50)
	require.Greater(t, len(batches), 1)

	seen := 0
	for _, b := range batches {
		photos := make([]terminal.PhotoItem, len(b))
		for i, it := range b {
			photos[i] = it.photo
			assert.Equal(t, int64(seen+1), it.photo.UserID)
			seen++
		}
		assert.LessOrEqual(t, len(b), 50)
		assert.LessOrEqual(t, terminal.BatchSize(photos), terminal.MaxBatchBytes)
	}
	assert.Equal(t, 150, seen)

	small := plan(items[:10], terminal.MaxBatchBytes, 3)
	assert.Len(t, small, 4)
}

func TestEffectiveBatchItems_ShrinkAndGrow(t *testing.T) {
	s := &Service{config: DefaultConfig(), effective: map[string]int{}}

	assert.Equal(t, 50, s.EffectiveBatchItems("t"))
	s.shrink("t")
	assert.Equal(t, 25, s.EffectiveBatchItems("t"))
	for i := 0; i < 6; i++ {
		s.shrink("t")
	}
	assert.Equal(t, 1, s.EffectiveBatchItems("t"))

	s.grow("t")
	assert.Equal(t, 2, s.EffectiveBatchItems("t"))
	for i := 0; i < 20; i++ {
		s.grow("t")
	}
	assert.Equal(t, 50, s.EffectiveBatchItems("t"))
	assert.Equal(t, 50, s.EffectiveBatchItems("other"))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(jpeg(10, 1))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint(jpeg(10, 1)))
	assert.NotEqual(t, a, Fingerprint(jpeg(10, 2)))
}
