//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
)

var (
	testDB    *TestDB
	testRedis *TestRedis
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testDB, err = SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres setup failed: %v\n", err)
		os.Exit(1)
	}

	testRedis, err = SetupTestRedis(ctx)
	if err != nil {
		testDB.Teardown(ctx)
		fmt.Fprintf(os.Stderr, "redis setup failed: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testRedis.Teardown(ctx)
	testDB.Teardown(ctx)
	os.Exit(code)
}

// freshServer truncates every table and returns a server over the shared database
func freshServer(t *testing.T, opts TestServerOptions) *TestServer {
	t.Helper()
	if err := testDB.CleanupTables(context.Background()); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	ts := NewTestServer(testDB.DB, opts)
	t.Cleanup(ts.Close)
	return ts
}
