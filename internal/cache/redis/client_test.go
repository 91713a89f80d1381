package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

func TestOptions(t *testing.T) {
	opts, err := options(ClientConfig{URL: "redis://:secret@cache:6380/2", PoolSize: 7})
	require.NoError(t, err)
	require.Equal(t, "cache:6380", opts.Addr)
	require.Equal(t, "secret", opts.Password)
	require.Equal(t, 2, opts.DB)
	require.Equal(t, 7, opts.PoolSize)

	opts, err = options(ClientConfig{Addr: "localhost:6379", TLSEnabled: true})
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)

	_, err = options(ClientConfig{URL: "http://nope"})
	require.Error(t, err)
}

func TestHasPattern(t *testing.T) {
	require.False(t, hasPattern("ledger:events"))
	require.True(t, hasPattern("ledger:*"))
}

// RedisSuite runs against a live server when LEDGER_TEST_REDIS_URL is set.
type RedisSuite struct {
	suite.Suite
	ctx    context.Context
	client *Client
}

func TestRedisSuite(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{URL: url, KeyPrefix: "marketledger-test:" + time.Now().Format("150405.000") + ":"})
	require.NoError(t, err)
	defer c.Close()
	suite.Run(t, &RedisSuite{ctx: ctx, client: c})
}

func (s *RedisSuite) TestLock() {
	locks := NewLockManager(s.client)
	unlock, err := locks.Acquire(s.ctx, "tx", time.Minute)
	s.Require().NoError(err)
	_, err = locks.Acquire(s.ctx, "tx", time.Minute)
	s.Require().ErrorIs(err, domain.ErrLockHeld)
	unlock()
	unlock()
	again, err := locks.Acquire(s.ctx, "tx", time.Minute)
	s.Require().NoError(err)
	again()
}

func (s *RedisSuite) TestTransmissionRegistry() {
	reg := NewTransmissionRegistry(s.client)
	done, err := reg.IsProcessed(s.ctx, "0xabc")
	s.Require().NoError(err)
	s.Require().False(done)
	s.Require().NoError(reg.MarkProcessed(s.ctx, "0xabc"))
	done, err = reg.IsProcessed(s.ctx, "0xabc")
	s.Require().NoError(err)
	s.Require().True(done)

	ttl, err := s.client.rdb.TTL(s.ctx, reg.markerKey("0xabc")).Result()
	s.Require().NoError(err)
	s.Require().Equal(time.Duration(-1), ttl, "markers must not expire")

	s.Require().NoError(reg.Forget(s.ctx, "0xabc"))
	done, err = reg.IsProcessed(s.ctx, "0xabc")
	s.Require().NoError(err)
	s.Require().False(done)
}

func (s *RedisSuite) TestRateLimiter() {
	rl := NewRateLimiter(s.client)
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(s.ctx, "caller", 3, time.Minute)
		s.Require().NoError(err)
		s.Require().True(ok)
	}
	ok, err := rl.Allow(s.ctx, "caller", 3, time.Minute)
	s.Require().NoError(err)
	s.Require().False(ok)
}

func (s *RedisSuite) TestStreamRoundTrip() {
	bus := NewEventBus(s.client)
	stream := s.client.key("events")
	s.Require().NoError(bus.StreamAppend(s.ctx, stream, []byte(`{"seq":1}`)))
	s.Require().NoError(bus.StreamAppend(s.ctx, stream, []byte(`{"seq":2}`)))

	msgs, err := bus.StreamRead(s.ctx, stream, "0", 10)
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)

	rest, err := bus.StreamRead(s.ctx, stream, msgs[1].ID, 10)
	s.Require().NoError(err)
	s.Require().Empty(rest)
}
