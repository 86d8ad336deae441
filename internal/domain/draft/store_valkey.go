package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/ehr/trialvisits/internal/platform/db"
)

// putScript bumps the version and stores the draft body. ARGV: body, ttl ms.
var putScript = valkey.NewLuaScript(`
local v = tonumber(redis.call('HGET', KEYS[1], 'version') or '0') + 1
redis.call('HSET', KEYS[1], 'version', v, 'body', ARGV[1])
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return v
`)

// casScript stores the body only if the version matches. ARGV: body, ttl ms,
// expected version. Returns the new version, -1 when absent, -2 on mismatch.
var casScript = valkey.NewLuaScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then return -1 end
if tonumber(cur) ~= tonumber(ARGV[3]) then return -2 end
local v = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'version', v, 'body', ARGV[1])
if tonumber(ARGV[2]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return v
`)

// ValkeyStore keeps each draft in a hash with a version field, updated by
// Lua scripts so version checks and writes are atomic. Drafts expire after
// ttl without activity.
type ValkeyStore struct {
	client valkey.Client
	ttl    time.Duration
}

func NewValkeyStore(client valkey.Client, ttl time.Duration) *ValkeyStore {
	return &ValkeyStore{client: client, ttl: ttl}
}

// NewValkeyClient connects using a redis://, rediss:// or unix:// URL.
func NewValkeyClient(url string) (valkey.Client, error) {
	opt, err := valkey.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}
	return valkey.NewClient(opt)
}

func (s *ValkeyStore) key(ctx context.Context, visitID uuid.UUID) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	return "trialvisits:" + tenant + ":draft:" + visitID.String()
}

func (s *ValkeyStore) Get(ctx context.Context, visitID uuid.UUID) (*Draft, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(ctx, visitID)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("valkey get draft: %w", err)
	}
	body, ok := fields["body"]
	if !ok {
		return nil, ErrDraftNotFound
	}
	var d Draft
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	if d.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode draft version: %w", err)
	}
	if d.FormData == nil {
		d.FormData = FormData{}
	}
	return &d, nil
}

func (s *ValkeyStore) args(d *Draft) ([]string, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	return []string{string(body), strconv.FormatInt(s.ttl.Milliseconds(), 10)}, nil
}

func (s *ValkeyStore) Put(ctx context.Context, d *Draft) error {
	args, err := s.args(d)
	if err != nil {
		return err
	}
	v, err := putScript.Exec(ctx, s.client, []string{s.key(ctx, d.VisitID)}, args).AsInt64()
	if err != nil {
		return fmt.Errorf("valkey put draft: %w", err)
	}
	d.Version = v
	return nil
}

func (s *ValkeyStore) CompareAndSwap(ctx context.Context, d *Draft, expected int64) (bool, *Draft, error) {
	args, err := s.args(d)
	if err != nil {
		return false, nil, err
	}
	args = append(args, strconv.FormatInt(expected, 10))
	v, err := casScript.Exec(ctx, s.client, []string{s.key(ctx, d.VisitID)}, args).AsInt64()
	if err != nil {
		return false, nil, fmt.Errorf("valkey swap draft: %w", err)
	}
	switch v {
	case -1:
		return false, nil, nil
	case -2:
		cur, err := s.Get(ctx, d.VisitID)
		if errors.Is(err, ErrDraftNotFound) {
			return false, nil, nil
		}
		return false, cur, err
	}
	d.Version = v
	return true, nil, nil
}

func (s *ValkeyStore) Delete(ctx context.Context, visitID uuid.UUID) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(ctx, visitID)).Build()).Error(); err != nil {
		return fmt.Errorf("valkey delete draft: %w", err)
	}
	return nil
}

// Ping reports whether Valkey is reachable.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}
