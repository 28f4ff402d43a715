package agentruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownGate rejects a second dispatch for the same ticket inside window.
// The claim lives in Redis so every API replica shares it.
type CooldownGate struct {
	next   Runtime
	client *redis.Client
	window time.Duration
	prefix string
}

func NewCooldownGate(next Runtime, client *redis.Client, window time.Duration) *CooldownGate {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &CooldownGate{next: next, client: client, window: window, prefix: "cooldown:"}
}

func (g *CooldownGate) key(ticketID string) string {
	return g.prefix + ticketID
}

func (g *CooldownGate) Dispatch(ctx context.Context, req Request) (Response, error) {
	claimed, err := g.client.SetNX(ctx, g.key(req.TicketID), time.Now().UTC().Format(time.RFC3339Nano), g.window).Result()
	if err != nil {
		return Response{}, fmt.Errorf("claim dispatch cooldown: %w", err)
	}
	if !claimed {
		return Response{RejectedCooldown: true}, nil
	}

	resp, err := g.next.Dispatch(ctx, req)
	if err != nil || resp.RejectedCooldown {
		// Nothing reached an agent; let the next comment try again.
		if delErr := g.client.Del(context.WithoutCancel(ctx), g.key(req.TicketID)).Err(); delErr != nil && err == nil {
			return resp, fmt.Errorf("release dispatch cooldown: %w", delErr)
		}
	}
	return resp, err
}

// Remaining reports how long the ticket stays in cooldown.
func (g *CooldownGate) Remaining(ctx context.Context, ticketID string) (time.Duration, error) {
	ttl, err := g.client.PTTL(ctx, g.key(ticketID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read dispatch cooldown: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
