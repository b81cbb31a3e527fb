package scope

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	s, ok := FromContext(WithSystem(context.Background()))
	assert.True(t, ok)
	assert.Equal(t, System, s.Kind)
	assert.Equal(t, "system", s.Setting())

	id := uuid.New()
	s, ok = FromContext(WithUser(context.Background(), id))
	assert.True(t, ok)
	assert.Equal(t, "user:"+id.String(), s.Setting())
}
