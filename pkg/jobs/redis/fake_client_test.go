package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fakeClient keeps lists and sorted sets in memory and runs the queue scripts as
// Go code, selected by script hash.
type fakeClient struct {
	mu       sync.Mutex
	lists    map[string][]string
	zsets    map[string]map[string]float64
	zremHits int
	evalErr  error
	pingErr  error
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
	}
}

func (c *fakeClient) push(key string, values ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append(c.lists[key], values...)
}

func (c *fakeClient) list(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lists[key]...)
}

func (c *fakeClient) zset(key string) map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.zsets[key]))
	for member, score := range c.zsets[key] {
		out[member] = score
	}
	return out
}

func (c *fakeClient) zadd(key, member string, score float64) {
	if c.zsets[key] == nil {
		c.zsets[key] = make(map[string]float64)
	}
	c.zsets[key][member] = score
}

func (c *fakeClient) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT fake client only runs known hashes"))
}

func (c *fakeClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evalErr != nil {
		return redis.NewCmdResult(nil, c.evalErr)
	}
	switch sha1 {
	case popScript.Hash():
		return c.runPop(keys, args)
	case releaseScript.Hash():
		c.zremLocked(keys[1], fmt.Sprint(args[0]))
		c.zadd(keys[0], fmt.Sprint(args[0]), toFloat(args[1]))
		return redis.NewCmdResult(int64(1), nil)
	default:
		return redis.NewCmdResult(nil, errors.New("NOSCRIPT unknown script"))
	}
}

func (c *fakeClient) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return c.Eval(ctx, script, keys, args...)
}

func (c *fakeClient) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return c.EvalSha(ctx, sha1, keys, args...)
}

func (c *fakeClient) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (c *fakeClient) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (c *fakeClient) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int64
	for _, member := range members {
		if c.zremLocked(key, fmt.Sprint(member)) {
			removed++
		}
	}
	c.zremHits++
	return redis.NewIntResult(removed, nil)
}

func (c *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", c.pingErr)
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func (c *fakeClient) zremLocked(key, member string) bool {
	if _, ok := c.zsets[key][member]; !ok {
		return false
	}
	delete(c.zsets[key], member)
	return true
}

func (c *fakeClient) runPop(keys []string, args []interface{}) *redis.Cmd {
	ready, delayed, reserved := keys[0], keys[1], keys[2]
	now := toFloat(args[0])
	for _, source := range []string{delayed, reserved} {
		for _, member := range c.dueLocked(source, now) {
			delete(c.zsets[source], member)
			c.lists[ready] = append(c.lists[ready], member)
		}
	}
	if len(c.lists[ready]) == 0 {
		return redis.NewCmdResult(nil, redis.Nil)
	}
	job := c.lists[ready][0]
	c.lists[ready] = c.lists[ready][1:]

	entry := job
	var decoded map[string]any
	if err := json.Unmarshal([]byte(job), &decoded); err == nil {
		attempts, _ := decoded["attempts"].(float64)
		decoded["attempts"] = int(attempts) + 1
		encoded, _ := json.Marshal(decoded)
		entry = string(encoded)
	}
	c.zadd(reserved, entry, toFloat(args[1]))
	return redis.NewCmdResult([]interface{}{job, entry}, nil)
}

func (c *fakeClient) dueLocked(key string, now float64) []string {
	var due []string
	for member, score := range c.zsets[key] {
		if score <= now {
			due = append(due, member)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		left, right := c.zsets[key][due[i]], c.zsets[key][due[j]]
		if left != right {
			return left < right
		}
		return due[i] < due[j]
	})
	return due
}

func toFloat(value interface{}) float64 {
	parsed, _ := strconv.ParseFloat(fmt.Sprint(value), 64)
	return parsed
}
