package utils

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"os"
	"strconv"
	"time"
)

// LookupEnv returns the value of the environment variable or the default
// when the variable is unset.
func LookupEnv(key, defaultValue string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultValue
}

// LookupEnvInt returns the integer value of the environment variable or the
// default when the variable is unset or not a number.
func LookupEnvInt(key string, defaultValue int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return n
}

func randInt() int {
	seed, _ := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	return int(seed.Int64())
}

// RandomDuration returns a random duration in [min, max).
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(randInt()%int(max-min))
}

// SleepContext sleeps for d or until ctx is cancelled, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
