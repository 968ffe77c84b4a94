package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gocql/gocql"
)

// isolate points ENV_FILE at a missing file so a developer .env never leaks in.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{"STORE_DRIVER", "BUS_DRIVER", "MONGO_URI", "POSTGRES_DSN", "KAFKA_BROKERS", "S3_ENDPOINT", "SHUTDOWN_TIMEOUT", "SCYLLA_CONSISTENCY"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreMemory || cfg.BusDriver != BusLocal {
		t.Fatalf("unexpected drivers: %s/%s", cfg.StoreDriver, cfg.BusDriver)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ShutdownTimeout != 10*time.Second || cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ScyllaConsistency != gocql.Quorum || cfg.AttachmentsEnabled() {
		t.Fatalf("unexpected scylla/s3 defaults: %+v", cfg)
	}
}

func TestLoadParsesEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://chat@localhost/chat")
	t.Setenv("BUS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("SCYLLA_CONSISTENCY", "local_quorum")
	t.Setenv("S3_ENDPOINT", "minio:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StorePostgres || len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 3*time.Second || cfg.ScyllaConsistency != gocql.LocalQuorum {
		t.Fatalf("unexpected parsed values: %+v", cfg)
	}
	if !cfg.AttachmentsEnabled() || cfg.S3PublicEndpoint != "minio:9000" {
		t.Fatalf("public endpoint should default to the endpoint: %q", cfg.S3PublicEndpoint)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("HTTP_ADDR=:9191\nHUB_BUFFER=8\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("HUB_BUFFER", "")
	// godotenv never overrides set variables; empty ones must be unset to be filled.
	os.Unsetenv("HTTP_ADDR")
	os.Unsetenv("HUB_BUFFER")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9191" || cfg.HubBuffer != 8 {
		t.Fatalf("env file ignored: addr=%q buffer=%d", cfg.HTTPAddr, cfg.HubBuffer)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE_DRIVER": "cassandra"}},
		{"mongo without uri", map[string]string{"STORE_DRIVER": "mongo"}},
		{"kafka without brokers", map[string]string{"BUS_DRIVER": "kafka"}},
		{"bad duration", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}},
		{"bad consistency", map[string]string{"SCYLLA_CONSISTENCY": "two"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
