package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"vhm24-loyalty/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out short human-readable codes.
type Generator interface {
	NextClaimCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: time.Now,
	}
}

func (g *RedisGenerator) NextClaimCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "RWD")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildDailySequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24*time.Hour - time.Second)
		_ = g.rdb.Expire(ctx, key, endOfDay.Sub(now)).Err()
	}

	return FormatCode(prefix, today, seq)
}

// FormatCode renders PREFIX-YYMMDD-SSSRR: base36 sequence padded to three
// characters plus two random characters so codes are not guessable in order.
func FormatCode(prefix, day string, seq int64) (string, error) {
	encoded := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encoded) < 3 {
		encoded = strings.Repeat("0", 3-len(encoded)) + encoded
	}

	suffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, day, encoded, suffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
