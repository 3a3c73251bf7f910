package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {

	tr, err := Parse("Developer")
	assert.NoError(t, err)
	assert.Equal(t, Developer, tr)

	tr, err = Parse(" system ")
	assert.NoError(t, err)
	assert.Equal(t, System, tr)

	tr, err = Parse("gold")
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.Equal(t, Public, tr)

	_, err = Parse("")
	assert.Error(t, err)
}

func TestDefaultTable(t *testing.T) {

	table := DefaultTable()

	assert.Equal(t, 5, table.Get(Public).MaxConnections)
	assert.Equal(t, 10, table.Get(Public).MaxMessagesPerSecond)
	assert.Equal(t, Unlimited, table.Get(System).MaxConnections)

	// unknown tiers fall back to public
	assert.Equal(t, table.Get(Public), table.Get(Tier("gold")))

	c := table.Copy()
	c[Public] = Limits{MaxConnections: 1}
	assert.Equal(t, 5, table.Get(Public).MaxConnections)
}
