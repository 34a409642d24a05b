package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "clipworker:text:"

// Redis shares text embeddings between worker processes.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and pings it. ttl <= 0 stores keys without expiry.
func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to Redis at %s: %w", addr, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (c *Redis) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	vec, err := unpack(data)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return vec, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, vec []float32) error {
	if err := c.client.Set(ctx, keyPrefix+key, pack(vec), c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Redis) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// pack stores a vector as little-endian float32 words.
func pack(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func unpack(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}

var _ VectorCache = (*Redis)(nil)
