// Package kv exposes a uniform command surface over the three
// deployment topologies of the backing in-memory store (standalone,
// hash-slotted sharding, and sentinel-style replicated-HA), built on
// go-redis/v9's UniversalClient so callers never branch on mode.
package kv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/internal/telemetry"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
)

// Client is the namespaced KV facade. All methods prefix keys with the
// configured namespace so that multiple deployments can share a backing
// store without key collisions.
type Client struct {
	rdb       redis.UniversalClient
	namespace string
	metrics   *telemetry.Metrics
}

// New constructs a Client for the configured deployment mode. It does
// not ping the backend; callers should call Ping during startup so that
// a misconfigured store fails fast. metrics may be nil in tests.
func New(cfg config.KVConfig, metrics *telemetry.Metrics) (*Client, error) {
	opts, err := universalOptions(cfg)
	if err != nil {
		return nil, apierrors.ConfigurationError("kv", "build client options", err)
	}
	return &Client{rdb: redis.NewUniversalClient(opts), namespace: cfg.NamespacePrefix, metrics: metrics}, nil
}

// observe records a backend-call-latency sample for operation, a no-op
// when no metrics were supplied.
func (c *Client) observe(operation string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackendLatency.WithLabelValues("kv", operation).Observe(time.Since(start).Seconds())
}

func universalOptions(cfg config.KVConfig) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		DialTimeout:  cfg.SocketConnectTimeout,
		ReadTimeout:  cfg.SocketTimeout,
		WriteTimeout: cfg.SocketTimeout,
	}

	switch cfg.Mode {
	case config.KVModeStandalone:
		if cfg.Addr == "" {
			return nil, errors.New("standalone mode requires kv.addr")
		}
		opts.Addrs = []string{cfg.Addr}
	case config.KVModeSharded:
		if len(cfg.ClusterNodes) == 0 {
			return nil, errors.New("sharded mode requires kv.cluster_nodes")
		}
		opts.Addrs = cfg.ClusterNodes
	case config.KVModeReplicated:
		if len(cfg.SentinelNodes) == 0 || cfg.SentinelMaster == "" {
			return nil, errors.New("replicated mode requires kv.sentinel_nodes and kv.sentinel_master")
		}
		opts.Addrs = cfg.SentinelNodes
		opts.MasterName = cfg.SentinelMaster
		opts.SentinelPassword = cfg.SentinelPassword
	default:
		return nil, fmt.Errorf("unknown kv mode %q", cfg.Mode)
	}

	if cfg.TLSEnabled {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}

	return opts, nil
}

// buildTLSConfig verifies the certificate chain when TLS is enabled,
// except when TLSInsecure is set, which turns off chain and hostname
// verification alike. Hostname verification is opt-in (TLSCheckHostname) because
// managed deployments commonly present node IPs that don't match the
// certificate's CN/SAN.
func buildTLSConfig(cfg config.KVConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSInsecure,
	}

	if cfg.TLSCACertFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSCACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if !cfg.TLSCheckHostname && !cfg.TLSInsecure {
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = verifyChainIgnoringHostname(tlsConfig.RootCAs)
	}

	return tlsConfig, nil
}

// verifyChainIgnoringHostname rebuilds chain verification without the
// hostname check that InsecureSkipVerify would otherwise disable too.
func verifyChainIgnoringHostname(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no certificates presented by server")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if ic, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(ic)
			}
		}
		_, err = cert.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

func (c *Client) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

// Ping verifies connectivity, classifying failures into the facade's
// taxonomy.
func (c *Client) Ping(ctx context.Context) error {
	defer c.observe("ping", time.Now())
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return classify("kv", "ping", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	defer c.observe("get", time.Now())
	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", apierrors.FailedToWithDetails(apierrors.NotFound, "kv", "get", key, err)
		}
		return "", classify("kv", "get", err)
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer c.observe("set", time.Now())
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return classify("kv", "set", err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	defer c.observe("del", time.Now())
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, namespaced...).Err(); err != nil {
		return classify("kv", "del", err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	defer c.observe("exists", time.Now())
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, classify("kv", "exists", err)
	}
	return n > 0, nil
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	defer c.observe("hset", time.Now())
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := c.rdb.HSet(ctx, c.key(key), values...).Err(); err != nil {
		return classify("kv", "hset", err)
	}
	return nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer c.observe("hgetall", time.Now())
	result, err := c.rdb.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, classify("kv", "hgetall", err)
	}
	return result, nil
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	defer c.observe("sadd", time.Now())
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SAdd(ctx, c.key(key), args...).Err(); err != nil {
		return classify("kv", "sadd", err)
	}
	return nil
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	defer c.observe("smembers", time.Now())
	result, err := c.rdb.SMembers(ctx, c.key(key)).Result()
	if err != nil {
		return nil, classify("kv", "smembers", err)
	}
	return result, nil
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	defer c.observe("srem", time.Now())
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, c.key(key), args...).Err(); err != nil {
		return classify("kv", "srem", err)
	}
	return nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	defer c.observe("incr", time.Now())
	n, err := c.rdb.Incr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, classify("kv", "incr", err)
	}
	return n, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	defer c.observe("expire", time.Now())
	if err := c.rdb.Expire(ctx, c.key(key), ttl).Err(); err != nil {
		return classify("kv", "expire", err)
	}
	return nil
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	defer c.observe("ttl", time.Now())
	ttl, err := c.rdb.TTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, classify("kv", "ttl", err)
	}
	return ttl, nil
}

// Pipeline is a batch of commands executed with ordering but no
// cross-key transactional semantics, so that batches spanning multiple
// hash slots succeed against a sharded deployment. Use Set/HSet/SAdd/
// SRem/Expire/Del to queue commands, then Exec.
type Pipeline struct {
	client *Client
	pipe   redis.Pipeliner
}

// Pipeline starts a new non-transactional pipeline. Never use
// TxPipeline here: a cross-slot MULTI/EXEC would fail outright on a
// sharded deployment.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{client: c, pipe: c.rdb.Pipeline()}
}

func (p *Pipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), p.client.key(key), value, ttl)
}

func (p *Pipeline) HSet(key string, fields map[string]string) {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	p.pipe.HSet(context.Background(), p.client.key(key), values...)
}

func (p *Pipeline) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(context.Background(), p.client.key(key), args...)
}

func (p *Pipeline) SRem(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SRem(context.Background(), p.client.key(key), args...)
}

func (p *Pipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), p.client.key(key), ttl)
}

func (p *Pipeline) Del(key string) {
	p.pipe.Del(context.Background(), p.client.key(key))
}

// Exec runs the queued commands as a single non-transactional batch.
func (p *Pipeline) Exec(ctx context.Context) error {
	defer p.client.observe("pipeline exec", time.Now())
	if _, err := p.pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return classify("kv", "pipeline exec", err)
	}
	return nil
}

// WatchHashSet writes fields into key's hash and refreshes its TTL
// inside a WATCH-guarded transaction against that single key. If a
// second writer touches key between this call's WATCH and its EXEC, the
// transaction aborts and conflict is true rather than silently
// overwriting the other writer's change; the caller is expected to
// re-read and retry. Only a single key is ever watched, so this stays
// slot-safe on a sharded deployment unlike a cross-key MULTI/EXEC would.
func (c *Client) WatchHashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (conflict bool, err error) {
	defer c.observe("watch hash set", time.Now())
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	namespaced := c.key(key)

	watchErr := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, namespaced, values...)
			if ttl > 0 {
				pipe.Expire(ctx, namespaced, ttl)
			}
			return nil
		})
		return txErr
	}, namespaced)

	if errors.Is(watchErr, redis.TxFailedErr) {
		return true, nil
	}
	if watchErr != nil {
		return false, classify("kv", "watch hash set", watchErr)
	}
	return false, nil
}

// classify maps a go-redis error into the facade's failure taxonomy:
// timeouts become DeadlineExceeded, auth failures Unauthenticated, a
// missing key NotFound, and everything else Unavailable. The facade does
// not retry: every error, including connect failures and timeouts, is
// returned to the caller on the first attempt.
func classify(component, operation string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.Nil):
		return apierrors.FailedTo(apierrors.NotFound, component, operation, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apierrors.TimeoutError(component, operation, err)
	case strings.Contains(err.Error(), "NOAUTH"), strings.Contains(err.Error(), "WRONGPASS"):
		return apierrors.AuthenticationError(component, operation, err)
	case strings.Contains(err.Error(), "MOVED"), strings.Contains(err.Error(), "ASK"), strings.Contains(err.Error(), "CLUSTERDOWN"):
		klog.V(2).Infof("%s: %s saw a topology-change redirect, client will refresh its slot map: %v", component, operation, err)
		return apierrors.FailedTo(apierrors.Unavailable, component, operation, err)
	case strings.Contains(err.Error(), "connection refused"), strings.Contains(err.Error(), "no route to host"), errors.Is(err, context.DeadlineExceeded):
		return apierrors.NetworkError(component, operation, err)
	default:
		return apierrors.FailedTo(apierrors.Unavailable, component, operation, err)
	}
}
