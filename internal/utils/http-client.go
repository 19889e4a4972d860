package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

type HTTPClientConfig struct {
	Timeout        time.Duration // connect and response-header timeout, not a whole-transfer deadline
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	HighThreadMode bool // larger socket buffers for many concurrent segments
}

type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		IdleConnTimeout:       cfg.KATimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSHandshakeTimeout:   cfg.Timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		// ranges address raw bytes, a transparently decompressed body would break offsets
		DisableCompression: true,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	switch c.config.UserAgent {
	case "":
		req.Header.Set("User-Agent", ToolUserAgent)
	case "randomize":
		req.Header.Set("User-Agent", GetRandomUserAgent())
	default:
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}
