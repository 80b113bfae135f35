package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/log"
)

// CassandraConfig configures the Cassandra message log.
type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	Username       string
	Password       string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	NumRetries     int
}

const createMessagesByChat = `
	CREATE TABLE IF NOT EXISTS messages_by_chat (
		chat_id text,
		sent_at timestamp,
		message_id text,
		sent_by_user_id text,
		sent_by_username text,
		content text,
		is_media boolean,
		PRIMARY KEY ((chat_id), sent_at, message_id)
	) WITH CLUSTERING ORDER BY (sent_at ASC, message_id ASC)`

const insertMessageByChat = `
	INSERT INTO messages_by_chat (
		chat_id, sent_at, message_id, sent_by_user_id, sent_by_username, content, is_media
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

// CassandraMessageLog writes messages to a wide row per chat.
type CassandraMessageLog struct {
	session *gocql.Session
}

// NewCassandraMessageLog connects and makes sure the table exists.
func NewCassandraMessageLog(cfg CassandraConfig) (*CassandraMessageLog, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	retries := cfg.NumRetries
	if retries <= 0 {
		retries = 3
	}
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: retries,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	if err := session.Query(createMessagesByChat).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create messages_by_chat: %w", err)
	}

	return &CassandraMessageLog{session: session}, nil
}

// WriteMessage inserts one message. Inserts are idempotent on
// (chat_id, sent_at, message_id), so a retried write never duplicates.
func (c *CassandraMessageLog) WriteMessage(ctx context.Context, msg *domain.ChatMessage) error {
	err := c.session.Query(insertMessageByChat,
		msg.ChatID,
		msg.Timestamp,
		msg.MessageID,
		msg.SentBy.UserID,
		msg.SentBy.Username,
		msg.Content,
		msg.IsMedia,
	).WithContext(ctx).Exec()
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldChatID, msg.ChatID).Str(log.FieldMessageID, msg.MessageID).Msg("cassandra write failed")
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// Close closes the session.
func (c *CassandraMessageLog) Close() {
	if c.session != nil {
		c.session.Close()
	}
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.LocalQuorum
	}
}
