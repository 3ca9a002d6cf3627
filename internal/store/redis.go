package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix   = "fixctl"
	DefaultRedisClaimTTL = 2 * time.Minute
)

const releaseClaimScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

const saveStateScript = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
redis.call('SADD', KEYS[3], KEYS[2])
return 1
`

var (
	releaseClaimLua = redis.NewScript(releaseClaimScript)
	saveStateLua    = redis.NewScript(saveStateScript)
)

// RedisOptions configures the Redis repository.
type RedisOptions struct {
	Prefix   string
	ClaimTTL time.Duration
}

// Redis stores session state in a hash per identity. A claim is a key set
// with NX holding a random owner token, so claims are shared across
// processes. The claim expires unless Save refreshes it.
type Redis struct {
	redis    *redis.Client
	prefix   string
	claimTTL time.Duration
	now      func() time.Time
}

var _ Repository = (*Redis)(nil)

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultRedisClaimTTL
	}
	return &Redis{
		redis:    client,
		prefix:   opts.Prefix,
		claimTTL: opts.ClaimTTL,
		now:      time.Now,
	}
}

func (r *Redis) stateKey(id ID) string {
	return r.prefix + ":state:" + id.SenderCompID + ":" + id.TargetCompID
}

func (r *Redis) claimKey(id ID) string {
	return r.prefix + ":claim:" + id.SenderCompID + ":" + id.TargetCompID
}

func (r *Redis) indexKey() string {
	return r.prefix + ":sessions"
}

func (r *Redis) GetOrCreate(ctx context.Context, id ID) (*State, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ok, err := r.redis.SetNX(ctx, r.claimKey(id), token, r.claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, ErrSessionActive
	}

	state, found, err := r.load(ctx, id)
	if err == nil && !found {
		state = NewState(id, r.now())
		_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.stateKey(id), stateFields(state)...)
			pipe.SAdd(ctx, r.indexKey(), r.stateKey(id))
			return nil
		})
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	if err != nil {
		_ = releaseClaimLua.Run(ctx, r.redis, []string{r.claimKey(id)}, token).Err()
		return nil, err
	}

	state.claim = token
	return &state, nil
}

func (r *Redis) Get(ctx context.Context, id ID) (State, bool, error) {
	if err := id.Validate(); err != nil {
		return State{}, false, err
	}
	return r.load(ctx, id)
}

func (r *Redis) Save(ctx context.Context, state *State) error {
	if state == nil {
		return ErrInvalidID
	}
	if state.claim == "" {
		return ErrNotClaimed
	}
	state.UpdatedAt = r.now()
	args := []any{state.claim, r.claimTTL.Milliseconds()}
	args = append(args, stateFields(*state)...)
	keys := []string{r.claimKey(state.ID), r.stateKey(state.ID), r.indexKey()}
	n, err := saveStateLua.Run(ctx, r.redis, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, state *State) error {
	if state == nil || state.claim == "" {
		return nil
	}
	token := state.claim
	state.claim = ""
	if err := releaseClaimLua.Run(ctx, r.redis, []string{r.claimKey(state.ID)}, token).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]State, error) {
	keys, err := r.redis.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	cmds := make([]*redis.MapStringStringCmd, 0, len(keys))
	_, err = r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			cmds = append(cmds, pipe.HGetAll(ctx, key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	out := make([]State, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		state, err := decodeState(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	sortStates(out)
	return out, nil
}

func (r *Redis) IsClaimed(ctx context.Context, id ID) (bool, error) {
	n, err := r.redis.Exists(ctx, r.claimKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

func (r *Redis) load(ctx context.Context, id ID) (State, bool, error) {
	fields, err := r.redis.HGetAll(ctx, r.stateKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}
	state, err := decodeState(fields)
	if err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func stateFields(state State) []any {
	return []any{
		"sender", state.ID.SenderCompID,
		"target", state.ID.TargetCompID,
		"next_in", strconv.Itoa(state.NextInbound),
		"next_out", strconv.Itoa(state.NextOutbound),
		"hb_ms", strconv.FormatInt(state.HeartbeatInterval.Milliseconds(), 10),
		"status", string(state.Status),
		"last_recv_ms", strconv.FormatInt(unixMilli(state.LastReceivedAt), 10),
		"pending_tr", strconv.Itoa(state.PendingTestRequests),
		"updated_ms", strconv.FormatInt(unixMilli(state.UpdatedAt), 10),
	}
}

func decodeState(fields map[string]string) (State, error) {
	state := State{
		ID:     ID{SenderCompID: fields["sender"], TargetCompID: fields["target"]},
		Status: Status(fields["status"]),
	}
	if err := state.ID.Validate(); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	ints := []struct {
		name string
		dst  *int64
	}{
		{"next_in", new(int64)},
		{"next_out", new(int64)},
		{"hb_ms", new(int64)},
		{"last_recv_ms", new(int64)},
		{"pending_tr", new(int64)},
		{"updated_ms", new(int64)},
	}
	for _, f := range ints {
		v, err := strconv.ParseInt(fields[f.name], 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("%w: %s field %s=%q", ErrCorruptState, state.ID, f.name, fields[f.name])
		}
		*f.dst = v
	}
	state.NextInbound = int(*ints[0].dst)
	state.NextOutbound = int(*ints[1].dst)
	state.HeartbeatInterval = time.Duration(*ints[2].dst) * time.Millisecond
	state.LastReceivedAt = fromUnixMilli(*ints[3].dst)
	state.PendingTestRequests = int(*ints[4].dst)
	state.UpdatedAt = fromUnixMilli(*ints[5].dst)
	if state.NextInbound < 1 || state.NextOutbound < 1 {
		return State{}, fmt.Errorf("%w: %s sequence numbers must be positive", ErrCorruptState, state.ID)
	}
	return state, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
