package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{
			name: "postgres scheme with query",
			dsn:  "postgres://app:secret@db:5432/orders?sslmode=disable",
			want: "pgx5://app:secret@db:5432/orders?sslmode=disable&x-migrations-table=marketplace_schema_migrations",
		},
		{
			name: "postgresql scheme without query",
			dsn:  "postgresql://app@db/orders",
			want: "pgx5://app@db/orders?x-migrations-table=marketplace_schema_migrations",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MigrateURL(tt.dsn))
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}
