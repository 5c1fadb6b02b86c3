package resource

import (
	"testing"

	"tileflow/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolClaimAndRelease(t *testing.T) {
	pool := NewPool(map[Resource]float64{DBReader: 100, IOOut: 1000})

	err := pool.Claim("step-1", []Load{
		{Resource: DBReader, EstimatedVirtualUnits: 60},
		{Resource: IOOut, EstimatedVirtualUnits: 500},
	})
	require.NoError(t, err)
	assert.Equal(t, 60.0, pool.InUse(DBReader))

	// Second step exceeding capacity is rejected as a whole.
	err = pool.Claim("step-2", []Load{
		{Resource: DBReader, EstimatedVirtualUnits: 50},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindResourceClaimRejected))
	assert.Equal(t, 60.0, pool.InUse(DBReader))

	pool.Release("step-1")
	assert.Equal(t, 0.0, pool.InUse(DBReader))

	err = pool.Claim("step-2", []Load{{Resource: DBReader, EstimatedVirtualUnits: 50}})
	assert.NoError(t, err)
}

func TestPoolReclaimReplacesPreviousClaim(t *testing.T) {
	pool := NewPool(map[Resource]float64{DBReader: 100})

	require.NoError(t, pool.Claim("step-1", []Load{{Resource: DBReader, EstimatedVirtualUnits: 80}}))
	// Re-claiming with a smaller load must not leak the first reservation.
	require.NoError(t, pool.Claim("step-1", []Load{{Resource: DBReader, EstimatedVirtualUnits: 30}}))
	assert.Equal(t, 30.0, pool.InUse(DBReader))
}

func TestPoolUnmeteredResource(t *testing.T) {
	pool := NewPool(map[Resource]float64{DBReader: 10})

	// IOOut has no configured capacity and never rejects.
	err := pool.Claim("step-1", []Load{{Resource: IOOut, EstimatedVirtualUnits: 1e12}})
	assert.NoError(t, err)
}

func TestPoolRejectsPartialOversubscription(t *testing.T) {
	pool := NewPool(map[Resource]float64{DBReader: 100, IOOut: 100})

	err := pool.Claim("step-1", []Load{
		{Resource: DBReader, EstimatedVirtualUnits: 10},
		{Resource: IOOut, EstimatedVirtualUnits: 200},
	})
	require.Error(t, err)
	// Nothing may be reserved when one load is rejected.
	assert.Equal(t, 0.0, pool.InUse(DBReader))
}
