package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	n, err := Parse(" AWS ")
	require.NoError(t, err)
	assert.Equal(t, AWS, n)

	_, err = Parse("openstack")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestSetMembership(t *testing.T) {
	s := NewSet(Local, Azure)
	assert.True(t, s.Has(Local))
	assert.False(t, s.Has(GCP))
	assert.Equal(t, "local,azure", s.String())

	assert.False(t, Cloud().Has(Local))
	assert.Len(t, All(), len(Known()))
	assert.False(t, Local.IsCloud())
	assert.True(t, DigitalOcean.IsCloud())
}
