package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator issues human-facing codes. Referral codes must be unique per
// member; discount codes are unique per tenant per day.
type Generator interface {
	NextReferralCode(ctx context.Context, tenantID string) (string, error)
	NextDiscountCode(ctx context.Context, tenantID, rewardCode string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func (g *RedisGenerator) NextReferralCode(ctx context.Context, tenantID string) (string, error) {
	seq, err := g.rdb.Incr(ctx, fmt.Sprintf("seq:referral:%s", tenantID)).Result()
	if err != nil {
		return "", err
	}

	// Random suffix keeps codes non-guessable even though the prefix is a
	// plain counter.
	suffix := make([]byte, 4)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(referralAlphabet))))
		if err != nil {
			return "", err
		}
		suffix[i] = referralAlphabet[n.Int64()]
	}

	return fmt.Sprintf("REF%04d%s", seq, suffix), nil
}

func (g *RedisGenerator) NextDiscountCode(ctx context.Context, tenantID, rewardCode string) (string, error) {
	code, err := g.nextDailyCode(ctx, "DSC", tenantID)
	if err != nil {
		return "", err
	}
	if rewardCode != "" {
		return fmt.Sprintf("%s-%s", strings.ToUpper(rewardCode), code), nil
	}
	return code, nil
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, tenantID string) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := fmt.Sprintf("seq:%s:%s:%s", prefix, tenantID, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		expire := time.Until(time.Now().UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second))
		_ = g.rdb.Expire(ctx, key, expire).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	return fmt.Sprintf("%s%s%s", prefix, today, encodedSeq), nil
}
