package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingSet_Deduplicates(t *testing.T) {
	p := NewPendingSet()

	assert.True(t, p.Add("/srv/a"))
	assert.False(t, p.Add("/srv/a"))
	assert.True(t, p.Add("/srv/b"))

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, []string{"/srv/a", "/srv/b"}, p.Paths())
}

func TestPendingSet_Remove(t *testing.T) {
	p := NewPendingSet("/srv/a", "/srv/b")

	p.Remove("/srv/a")
	p.Remove("/srv/missing")

	assert.False(t, p.Contains("/srv/a"))
	assert.True(t, p.Contains("/srv/b"))
	assert.Equal(t, 1, p.Len())
}

func TestPendingSet_RemoveWhileIterating(t *testing.T) {
	p := NewPendingSet("/srv/a", "/srv/b", "/srv/c")

	for _, path := range p.Paths() {
		p.Remove(path)
	}

	assert.True(t, p.IsEmpty())
}
