package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gocql/gocql"

	"estatechat/internal/infra/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewSession ensures the keyspace and tables exist and returns a connected session.
func NewSession(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.ScyllaKeyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.ScyllaKeyspace)
	}

	baseCluster := newCluster(cfg)
	baseSession, err := baseCluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()

	if err := ensureKeyspace(ctx, baseSession, cfg); err != nil {
		return nil, err
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.ScyllaKeyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.ScyllaKeyspace, err)
	}
	if err := ensureTables(ctx, session, cfg); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.ScyllaHosts, "keyspace", cfg.ScyllaKeyspace)
	}
	return session, nil
}

func newCluster(cfg config.Config) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.ScyllaHosts...)
	cluster.Timeout = cfg.ScyllaTimeout
	cluster.Consistency = cfg.ScyllaConsistency
	cluster.SerialConsistency = gocql.LocalSerial
	if cfg.ScyllaUsername != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.ScyllaUsername,
			Password: cfg.ScyllaPassword,
		}
		// avoid long stalls on auth/connect
		cluster.ConnectTimeout = cfg.ScyllaTimeout
	}
	return cluster
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.Config) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.ScyllaKeyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

func ensureTables(ctx context.Context, session *gocql.Session, cfg config.Config) error {
	ttl := int(cfg.IdempotencyTTL / time.Second)
	if ttl <= 0 {
		ttl = int((24 * time.Hour) / time.Second)
	}
	tables := []struct {
		name string
		cql  string
	}{
		{"conversations", `
CREATE TABLE IF NOT EXISTS %s.conversations (
	id text PRIMARY KEY,
	participant1_id text,
	participant2_id text,
	property_id text,
	archived boolean,
	created_at timestamp,
	updated_at timestamp,
	last_message_at timestamp
);`},
		{"conversation_pairs", `
CREATE TABLE IF NOT EXISTS %s.conversation_pairs (
	pair_key text PRIMARY KEY,
	conversation_id text
);`},
		{"user_conversations", `
CREATE TABLE IF NOT EXISTS %s.user_conversations (
	user_id text,
	conversation_id text,
	PRIMARY KEY (user_id, conversation_id)
);`},
		{"messages", `
CREATE TABLE IF NOT EXISTS %s.messages (
	conversation_id text,
	created_at timestamp,
	message_id text,
	sender_id text,
	content text,
	is_read boolean,
	read_at timestamp,
	attachment_url text,
	attachment_type text,
	attachment_name text,
	system_message boolean,
	PRIMARY KEY (conversation_id, created_at, message_id)
) WITH CLUSTERING ORDER BY (created_at DESC, message_id DESC);`},
		{"unread_counters", `
CREATE TABLE IF NOT EXISTS %s.unread_counters (
	user_id text PRIMARY KEY,
	unread_count int,
	updated_at timestamp
);`},
		{"chat_idempotency", `
CREATE TABLE IF NOT EXISTS %s.chat_idempotency (
	key text PRIMARY KEY,
	payload blob,
	occurred_at timestamp
) WITH default_time_to_live = ` + fmt.Sprint(ttl) + `;`},
	}
	for _, table := range tables {
		if err := session.Query(fmt.Sprintf(table.cql, cfg.ScyllaKeyspace)).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create %s table: %w", table.name, err)
		}
	}
	return nil
}
