package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/cloudio/core/csql"
)

// TestService holds the configuration for this test
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type TestService struct {
	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	registry         Registry
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	if testService.Postgres == "" {
		// nothing to test against
		os.Exit(m.Run())
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_registry_unit_test_")
	defer db.Close()
	if err := db.ClearSchema(context.Background()); err != nil {
		panic(err)
	}
	testService.registry = New(db)

	os.Exit(m.Run())
}

func TestRegistry(t *testing.T) {
	if testService.Postgres == "" {
		t.Skip("POSTGRES not set")
	}
	ctx := context.Background()

	type foo struct {
		A string
		B string
	}
	write := foo{A: "Hello", B: "World"}

	testRegistry := testService.registry.Accessor("_test_")

	var something foo
	createdAt, err := testRegistry.Read(ctx, "key does not exist", &something)
	require.NoError(t, err)
	assert.True(t, createdAt.IsZero(), "non existing key seems to exist")

	now := time.Now()
	require.NoError(t, testRegistry.Write(ctx, "test", write))

	var read foo
	createdAt, err = testRegistry.Read(ctx, "test", &read)
	require.NoError(t, err)
	assert.Equal(t, write, read)
	assert.WithinDuration(t, now, createdAt, time.Second)

	require.NoError(t, testRegistry.Write(ctx, "other", write))
	keys, err := testRegistry.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "test"}, keys)

	count, err := testRegistry.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, testRegistry.Delete(ctx, "other"))
	count, err = testService.registry.Accessor("_test_").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testService.registry.Accessor("_empty_").Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
