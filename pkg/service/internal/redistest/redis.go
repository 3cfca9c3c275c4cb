// Package redistest implements support code for testing against a live Redis
// server.
package redistest

import (
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis"
)

// Credentials holds the settings for connecting to Redis.
type Credentials struct {
	Address  string
	Password string
	DB       int
}

// GetCredentials reads the Redis settings from the environment. REDIS_ADDRESS
// is preferred, REDIS_IP is still accepted.
func GetCredentials() (Credentials, bool) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = os.Getenv("REDIS_IP")
	}
	if addr == "" {
		return Credentials{}, false
	}
	return Credentials{
		Address:  addr,
		Password: os.Getenv("REDIS_PASS"),
	}, true
}

// Connect connects to Redis and returns the client. The test is skipped when
// no server is configured and fails when the configured one is unreachable.
func Connect(t *testing.T) *redis.Client {
	creds, ok := GetCredentials()
	if !ok {
		t.Skip("Missing Redis address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         creds.Address,
		Password:     creds.Password,
		DB:           creds.DB,
		MaxRetries:   3,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping().Err(); err != nil {
		t.Fatalf("unable to reach Redis at %s: %v", creds.Address, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
