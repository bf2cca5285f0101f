package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/loykin/procwatch"
	"github.com/loykin/procwatch/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8090"

// endpoint is where and how to reach the daemon.
type endpoint struct {
	url    string
	caCert string
}

// resolveEndpoint picks --api-url, then the [server] section of --config,
// then the local default. A generated server certificate is trusted when no
// --ca-cert is given.
func resolveEndpoint(g *GlobalFlags) (endpoint, error) {
	ep := endpoint{url: defaultAPIUrl, caCert: g.CACert}
	if g.APIUrl != "" {
		ep.url = g.APIUrl
		return ep, nil
	}
	if g.ConfigPath == "" {
		return ep, nil
	}
	cfg, err := procwatch.LoadConfig(g.ConfigPath)
	if err != nil {
		return endpoint{}, err
	}
	tls := cfg.Server.TLS.Enabled
	ep.url = urlFromListen(cfg.Server.Listen, cfg.Server.BasePath, tls)
	if tls && ep.caCert == "" {
		ep.caCert = cfg.Server.TLS.CAPath()
	}
	return ep, nil
}

func urlFromListen(listen, basePath string, tls bool) string {
	scheme := "http://"
	if tls {
		scheme = "https://"
	}
	basePath = strings.TrimRight(basePath, "/")
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return strings.Replace(defaultAPIUrl, "http://", scheme, 1) + basePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + net.JoinHostPort(host, port) + basePath
}

// connect builds a client and fails early when the daemon is down.
func connect(ctx context.Context, g *GlobalFlags) (*client.Client, error) {
	ep, err := resolveEndpoint(g)
	if err != nil {
		return nil, err
	}
	c, err := newClient(ep, g)
	if err != nil {
		return nil, err
	}
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'procwatch serve'", ep.url)
	}
	applySession(c, g, ep.url)
	return c, nil
}

func newClient(ep endpoint, g *GlobalFlags) (*client.Client, error) {
	cfg := client.Config{BaseURL: ep.url, Timeout: g.APITimeout, Insecure: g.Insecure}
	if ep.caCert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: ep.caCert}
	}
	return client.New(cfg)
}
