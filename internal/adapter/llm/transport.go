package llm

import (
	"cmp"
	"net"
	"net/http"
	"time"

	"estate-ai/internal/infra/config"
)

// Model APIs are few hosts with long responses: keep a small warm pool
// and let the response timeout, not the dial timeout, dominate.
const (
	defaultConnTimeout         = 10 * time.Second
	defaultRespTimeout         = 60 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 2 * time.Minute
)

// newHTTPClient returns the client shared by the OpenAI and Bedrock
// adapters for one provider entry. The overall timeout is the dial budget
// plus llm.providers[].resp_timeout.
func newHTTPClient(cfg config.ProviderConfig) *http.Client {
	conn := cmp.Or(cfg.ConnTimeout, defaultConnTimeout)
	resp := cmp.Or(cfg.RespTimeout, defaultRespTimeout)
	return &http.Client{
		Transport: pooledTransport(conn, resp, cfg.Pool),
		Timeout:   conn + resp,
	}
}

func pooledTransport(conn, resp time.Duration, pool config.PoolConfig) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: conn, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: resp,
		MaxIdleConns:          positiveOr(pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   positiveOr(pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:       positiveOr(pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       positiveOr(pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:     true,
	}
}

func positiveOr[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
