package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"estate-ai/internal/infra/config"
)

func TestNewHTTPClientDefaults(t *testing.T) {
	c := newHTTPClient(config.ProviderConfig{})
	assert.Equal(t, defaultConnTimeout+defaultRespTimeout, c.Timeout)

	tr := pooledTransport(defaultConnTimeout, defaultRespTimeout, config.PoolConfig{MaxIdleConns: -1})
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultMaxConnsPerHost, tr.MaxConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Equal(t, defaultRespTimeout, tr.ResponseHeaderTimeout)
}

func TestNewHTTPClientHonoursProviderConfig(t *testing.T) {
	c := newHTTPClient(config.ProviderConfig{
		ConnTimeout: 2 * time.Second,
		RespTimeout: 8 * time.Second,
		Pool:        config.PoolConfig{MaxIdleConns: 50, MaxConnsPerHost: 40, IdleConnTimeout: time.Minute},
	})
	assert.Equal(t, 10*time.Second, c.Timeout)

	tr := pooledTransport(2*time.Second, 8*time.Second, config.PoolConfig{MaxIdleConns: 50, MaxConnsPerHost: 40, IdleConnTimeout: time.Minute})
	assert.Equal(t, 50, tr.MaxIdleConns)
	assert.Equal(t, 40, tr.MaxConnsPerHost)
	assert.Equal(t, time.Minute, tr.IdleConnTimeout)
	assert.Equal(t, 8*time.Second, tr.ResponseHeaderTimeout)
}
