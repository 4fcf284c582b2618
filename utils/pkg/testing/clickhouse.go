package laketesting

import (
	"testing"

	"github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse/testing"
	"github.com/malbeclabs/warehouse/warehouse/pkg/objectstore"
	"github.com/stretchr/testify/require"
)

// OperatorInfo holds a test operator, its database and its object store.
type OperatorInfo struct {
	Operator *clickhouse.Operator
	Database string
	Store    *objectstore.Memory
}

// NewOperator returns an operator on a fresh database that has been created
// and migrated, backed by an in-memory object store.
func NewOperator(t *testing.T, db *clickhousetesting.DB) *OperatorInfo {
	store := objectstore.NewMemory()
	op, database := clickhousetesting.NewOperator(t, db, store)
	require.NoError(t, op.CreateDataset(t.Context(), "test"))
	return &OperatorInfo{
		Operator: op,
		Database: database,
		Store:    store,
	}
}
