package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
postgres:
  host: localhost
  user: replicator
  database: shop
  slot: arctic
  publication: arctic_pub
tables:
  - schema: public
    name: orders
warehouse:
  path: /var/lib/arctic
catalog:
  type: zookeeper
  servers: [zk1:2181, zk2:2181]
commit:
  max_attempts: 8
proxy:
  port: 5433
api:
  port: 8080
`))
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "public.orders", cfg.Tables[0].FullName())
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Catalog.Servers)
	assert.Equal(t, "/arctic", cfg.Catalog.Root)
	assert.Equal(t, 8, cfg.Commit.MaxAttempts)
	assert.Equal(t, 4, cfg.Scan.Parallelism)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Nil(t, cfg.Warehouse.S3)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"no warehouse":       "catalog:\n  type: memory\n",
		"unknown catalog":    "warehouse:\n  path: /tmp/w\ncatalog:\n  type: etcd\n",
		"postgres needs dsn": "warehouse:\n  path: /tmp/w\ncatalog:\n  type: postgres\n",
		"bad attempts":       "warehouse:\n  path: /tmp/w\ncommit:\n  max_attempts: -1\n",
		"s3 needs bucket":    "warehouse:\n  s3:\n    region: us-east-1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestS3Warehouse(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
warehouse:
  s3:
    bucket: lake
    prefix: tables
    endpoint: http://minio:9000
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Warehouse.S3)
	assert.Equal(t, "lake", cfg.Warehouse.S3.Bucket)
	assert.Equal(t, "memory", cfg.Catalog.Type)
}
