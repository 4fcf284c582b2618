package clickhouse_test

import (
	"context"
	"os"
	"testing"

	laketesting "github.com/malbeclabs/warehouse/utils/pkg/testing"
	clickhousetesting "github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse/testing"
)

var (
	sharedDB *clickhousetesting.DB
)

func TestMain(m *testing.M) {
	log := laketesting.NewLogger()
	var err error
	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		// Without docker only the unit tests run.
		log.Error("failed to create shared DB", "error", err)
		sharedDB = nil
	}
	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func testOperator(t *testing.T) *laketesting.OperatorInfo {
	t.Helper()
	if sharedDB == nil {
		t.Skip("clickhouse container unavailable")
	}
	return laketesting.NewOperator(t, sharedDB)
}
