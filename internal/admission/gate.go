package admission

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"wikiproxy/internal/config"
)

// Decision is the gate's verdict for one request. A non-allowed
// decision carries the status and body to reply with.
type Decision struct {
	Allow  bool
	Status int
	Body   string
}

// Gate throttles new clients: each (client IP, user agent) pair must
// repeat its request until the challenge counter passes the configured
// retries, then holds a time-limited admission token.
type Gate struct {
	cfg   config.AuthConfig
	store Store
}

func NewGate(cfg config.AuthConfig, store Store) *Gate {
	return &Gate{cfg: cfg, store: store}
}

func (g *Gate) Check(ctx context.Context, ip, userAgent string) Decision {
	if userAgent == "" {
		return Decision{Status: 400, Body: "bad request"}
	}

	authedKey := "authed:" + ip + ":" + userAgent
	authingKey := "authing:" + ip + ":" + userAgent

	ok, err := g.store.Exists(ctx, authedKey)
	if err != nil {
		zap.S().Errorf("admission store lookup failed: %v", err)
		return Decision{Status: 400, Body: "bad request"}
	}
	if ok {
		return Decision{Allow: true}
	}

	v, err := g.store.Incr(ctx, authingKey, g.cfg.WaitTime())
	if err != nil {
		zap.S().Errorf("admission counter failed: %v", err)
		return Decision{Status: 400, Body: "bad request"}
	}

	if v <= g.cfg.Retries {
		// remaining count visible to the client
		return Decision{Status: g.cfg.Code, Body: strconv.FormatInt(g.cfg.Retries+1-v, 10)}
	}

	if err := g.store.SetEX(ctx, authedKey, "1", g.cfg.TTL()); err != nil {
		zap.S().Errorf("admission promote failed: %v", err)
		return Decision{Status: 400, Body: "bad request"}
	}
	return Decision{Allow: true}
}
