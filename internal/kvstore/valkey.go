package kvstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const scanBatch = 256

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig carries the connection settings shared by the valkey and
// go-redis backends.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

func NewValkey(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("kvstore: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("kvstore: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kvstore: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: valkey get bytes: %w", err)
	}
	return payload, true, nil
}

func (s *valkeyStore) SetWithExpire(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cmd := s.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("kvstore: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	// MULTI/EXEC keeps the counter from outliving its window without a TTL.
	results := s.client.DoMulti(ctx,
		s.client.B().Multi().Build(),
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build(),
		s.client.B().Exec().Build(),
	)
	replies, err := results[len(results)-1].ToArray()
	if err != nil {
		return 0, fmt.Errorf("kvstore: valkey incr: %w", err)
	}
	if len(replies) != 2 {
		return 0, fmt.Errorf("kvstore: valkey incr: transaction aborted")
	}
	count, err := replies[0].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("kvstore: valkey incr: %w", err)
	}
	if err := replies[1].Error(); err != nil {
		return 0, fmt.Errorf("kvstore: valkey pexpire: %w", err)
	}
	return count, nil
}

func (s *valkeyStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("kvstore: valkey del: %w", err)
	}
	return nil
}

func (s *valkeyStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(match).Count(scanBatch).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("kvstore: valkey scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *valkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("kvstore: valkey ping: %w", err)
	}
	return nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read redis ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("kvstore: redis ca file contains no certificates")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(in string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(in)
}
