package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy is the per-channel admission configuration. A zero BanThreshold means
// the channel only throttles and never bans.
type Policy struct {
	Window       time.Duration `json:"window_ms"`
	MaxRequests  int           `json:"max_requests"`
	BanThreshold int           `json:"ban_threshold"`
	BanDuration  time.Duration `json:"ban_duration_ms"`
}

func DefaultPolicy() Policy {
	return Policy{
		Window:      time.Minute,
		MaxRequests: 10,
	}
}

type window struct {
	count       int
	resetTime   time.Time
	violations  int
	bannedUntil time.Time
}

// WindowState is the operator-facing view of one (channel, identifier) key.
type WindowState struct {
	Channel     string    `json:"channel"`
	Identifier  string    `json:"identifier"`
	Count       int       `json:"count"`
	ResetTime   time.Time `json:"reset_time"`
	Violations  int       `json:"violations"`
	BannedUntil time.Time `json:"banned_until,omitempty"`
}

// Guard is a fixed-window rate and ban tracker consulted before dispatching a
// stage to a channel-bound agent.
type Guard struct {
	mu       sync.Mutex
	windows  map[string]*window
	policies map[string]Policy
	fallback Policy
	now      func() time.Time
	logger   *zap.Logger
}

func NewGuard(fallback Policy, logger *zap.Logger) *Guard {
	if fallback.Window <= 0 {
		fallback = DefaultPolicy()
	}
	return &Guard{
		windows:  map[string]*window{},
		policies: map[string]Policy{},
		fallback: fallback,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "admission")),
	}
}

// Allow reports whether a request for (channel, identifier) may proceed.
// Denials inside a window count as violations; once violations reach the
// channel's ban threshold the key is banned for the ban duration, during which
// every request is denied regardless of window resets.
func (g *Guard) Allow(channel, identifier string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	policy := g.policyLocked(channel)
	key := channel + ":" + identifier
	now := g.now()

	w, ok := g.windows[key]
	if !ok {
		w = &window{}
		g.windows[key] = w
	}

	if now.Before(w.bannedUntil) {
		return false
	}

	if w.resetTime.IsZero() || now.After(w.resetTime) {
		w.count = 1
		w.resetTime = now.Add(policy.Window)
		return true
	}

	w.count++
	if w.count <= policy.MaxRequests {
		return true
	}

	w.violations++
	if policy.BanThreshold > 0 && w.violations >= policy.BanThreshold {
		w.bannedUntil = now.Add(policy.BanDuration)
		g.logger.Warn("identifier banned",
			zap.String("channel", channel),
			zap.String("identifier", identifier),
			zap.Int("violations", w.violations),
			zap.Time("banned_until", w.bannedUntil),
		)
	}
	return false
}

// Unban clears an active ban and violation history for the key.
func (g *Guard) Unban(channel, identifier string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.windows[channel+":"+identifier]; ok {
		w.bannedUntil = time.Time{}
		w.violations = 0
	}
}

func (g *Guard) SetChannelPolicy(channel string, policy Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if policy.Window <= 0 {
		policy.Window = g.fallback.Window
	}
	if policy.MaxRequests <= 0 {
		policy.MaxRequests = g.fallback.MaxRequests
	}
	g.policies[channel] = policy
}

func (g *Guard) ChannelPolicy(channel string) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policyLocked(channel)
}

func (g *Guard) ChannelPolicies() map[string]Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Policy, len(g.policies))
	for k, v := range g.policies {
		out[k] = v
	}
	return out
}

// States lists current window state for operator inspection.
func (g *Guard) States() []WindowState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]WindowState, 0, len(g.windows))
	for key, w := range g.windows {
		channel, identifier := splitKey(key)
		out = append(out, WindowState{
			Channel:     channel,
			Identifier:  identifier,
			Count:       w.count,
			ResetTime:   w.resetTime,
			Violations:  w.violations,
			BannedUntil: w.bannedUntil,
		})
	}
	return out
}

func (g *Guard) policyLocked(channel string) Policy {
	if p, ok := g.policies[channel]; ok {
		return p
	}
	return g.fallback
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
