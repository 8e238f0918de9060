package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

// GORM omits zero-value fields with a declared default from the INSERT,
// so a default on auto_renew would store false as true on creation.
func TestSubscriptionAutoRenewHasNoColumnDefault(t *testing.T) {
	s, err := schema.Parse(&Subscription{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	field := s.LookUpField("AutoRenew")
	require.NotNil(t, field)
	assert.False(t, field.HasDefaultValue)
	assert.Empty(t, field.DefaultValue)
}
