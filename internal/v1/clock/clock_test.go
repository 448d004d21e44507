package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewWithExplicitInstanceID(t *testing.T) {
	c := New("gw-1")
	assert.Equal(t, "gw-1", c.InstanceID())
}

func TestNewGeneratesStableInstanceID(t *testing.T) {
	c := New("")
	id1 := c.InstanceID()
	id2 := c.InstanceID()
	assert.NotEmpty(t, id1)
	assert.Equal(t, id1, id2)
}

func TestNewIDIsUnique(t *testing.T) {
	c := New("gw-1")
	ids := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		ids[c.NewID()] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestNowMonotonicOrdering(t *testing.T) {
	c := New("gw-1")
	t1 := c.NowMillis()
	time.Sleep(2 * time.Millisecond)
	t2 := c.NowMillis()
	assert.GreaterOrEqual(t, t2, t1)
}

func TestNowISOFormat(t *testing.T) {
	c := New("gw-1")
	_, err := time.Parse(time.RFC3339, c.NowISO())
	assert.NoError(t, err)
}
