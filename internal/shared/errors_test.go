package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("orders: create: %w", Invalid("products[0].sizes[1].qty", "must be > 0, got %d", -2))
	require.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "products[0].sizes[1].qty", verr.Field)
	require.Contains(t, err.Error(), "got -2")
}

func TestNormalizeName(t *testing.T) {
	require.Equal(t, NormalizeName("acme textiles"), NormalizeName("  ACME   Textiles "))
	require.Equal(t, "Acme Textiles", DisplayName("  acme   textiles"))
}

func TestActorFromContextDefaultsToSystem(t *testing.T) {
	require.Equal(t, "system", ActorFromContext(context.Background()))
	require.Equal(t, "clerk-7", ActorFromContext(ContextWithActor(context.Background(), "clerk-7")))
}
