package health

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/webapp-instance-provisioning/configrender"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// cachePinger is implemented by the go-redis client adapter and by test
// doubles.
type cachePinger interface {
	PingResult(ctx context.Context) (string, error)
	Close() error
}

type redisPinger struct {
	client *redis.Client
}

func (r *redisPinger) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *redisPinger) Close() error {
	return r.client.Close()
}

func newRedisPinger(cfg interfaces.RuntimeConfig, timeout time.Duration) cachePinger {
	return &redisPinger{client: redis.NewClient(cacheOptions(cfg, timeout))}
}

// cacheOptions builds single-connection client options for one probe.
func cacheOptions(cfg interfaces.RuntimeConfig, timeout time.Duration) *redis.Options {
	host := cfg.Get(interfaces.KeyCacheHost)
	opts := &redis.Options{
		Addr:         net.JoinHostPort(host, cfg.GetDefault(interfaces.KeyCachePort, configrender.DefaultCachePort)),
		Password:     cfg.Get(interfaces.KeyCacheAuthToken),
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     1,
		MaxRetries:   -1,
	}
	if cfg.Bool(interfaces.KeyCacheTLS) {
		opts.TLSConfig = &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
	return opts
}
