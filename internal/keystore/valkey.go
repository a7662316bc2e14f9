package keystore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig enables TLS toward the store, optionally pinning a CA bundle.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries the connection settings for the valkey backend.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

// slideWindowScript performs the prune/count/add/expire sequence server-side so
// two concurrent requests can never both claim the last slot in a window.
// Returns {allowed, retryAfterMs}.
var slideWindowScript = valkey.NewLuaScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. string.format('%.0f', now - window))
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, ARGV[1], member)
  redis.call('PEXPIRE', key, ARGV[2])
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = math.ceil(tonumber(oldest[2]) + window - now)
if retry < 1 then retry = 1 end
return {0, retry}
`)

// NewValkey connects to the configured valkey/redis instance and verifies the
// connection with a ping before handing the store to callers.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("keystore: valkey address required")
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
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("keystore: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("keystore: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("keystore: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("keystore: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keystore: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("keystore: valkey get bytes: %w", err)
	}
	return payload, true, nil
}

func (s *valkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	cmd := s.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("keystore: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	resp := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build())
	deleted, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("keystore: valkey del: %w", err)
	}
	return deleted, nil
}

func (s *valkeyStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	if pattern == "" {
		return nil, 0, ErrInvalidKey
	}
	if count <= 0 {
		count = 100
	}
	cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(count).Build()
	entry, err := s.client.Do(ctx, cmd).AsScanEntry()
	if err != nil {
		return nil, 0, fmt.Errorf("keystore: valkey scan: %w", err)
	}
	return entry.Elements, entry.Cursor, nil
}

func (s *valkeyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	cmd := s.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("keystore: valkey pexpire: %w", err)
	}
	return nil
}

func (s *valkeyStore) SlideWindow(ctx context.Context, key, member string, now time.Time, window time.Duration, max int) (bool, time.Duration, error) {
	if key == "" {
		return false, 0, ErrInvalidKey
	}
	args := []string{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(max),
		member,
	}
	resp := slideWindowScript.Exec(ctx, s.client, []string{key}, args)
	values, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, fmt.Errorf("keystore: valkey slide window: %w", err)
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("keystore: valkey slide window: unexpected reply length %d", len(values))
	}
	return values[0] == 1, time.Duration(values[1]) * time.Millisecond, nil
}

func (s *valkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("keystore: valkey ping: %w", err)
	}
	return nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
