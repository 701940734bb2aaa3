// Package profile tracks which AWS credential profile is in effect: a
// process-wide default plus best-effort per-client overrides. Activating a
// profile notifies registered invalidators so cached identity and clients are
// re-resolved. This is shared mutable state visible to every in-flight
// request; it is a convenience for multi-user UIs, not an isolation boundary.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Credential is the explicit credential selection handed to the tool
// executor and the Terraform wrapper. It replaces ambient AWS_PROFILE
// environment mutation.
type Credential struct {
	Profile string `json:"profile"`
	Region  string `json:"region,omitempty"`
}

// Invalidator drops cached state derived from a profile.
type Invalidator interface {
	Invalidate(profile string)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(profile string)

func (f InvalidatorFunc) Invalidate(profile string) { f(profile) }

// Context is the process-wide profile selection.
type Context struct {
	mu           sync.Mutex
	active       string
	region       string
	clients      map[string]string
	swaps        []string // LIFO of profiles displaced by WithProfile
	invalidators []Invalidator
	logger       zerolog.Logger
}

// NewContext creates a context with the given default profile and region.
func NewContext(defaultProfile, region string, logger zerolog.Logger) *Context {
	if defaultProfile == "" {
		defaultProfile = "default"
	}
	return &Context{
		active:  defaultProfile,
		region:  region,
		clients: make(map[string]string),
		logger:  logger,
	}
}

// AddInvalidator registers a hook run on every activation.
func (c *Context) AddInvalidator(inv Invalidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidators = append(c.invalidators, inv)
}

// Active returns the process-wide profile.
func (c *Context) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Current returns the client's override, falling back to the process profile.
func (c *Context) Current(clientKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clientKey != "" {
		if p, ok := c.clients[clientKey]; ok {
			return p
		}
	}
	return c.active
}

// Credential returns the explicit credential selection for a client.
func (c *Context) Credential(clientKey string) Credential {
	p := c.Current(clientKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Credential{Profile: p, Region: c.region}
}

// SetClientProfile records a per-client override. An empty profile removes it.
func (c *Context) SetClientProfile(clientKey, profile string) {
	if clientKey == "" {
		return
	}
	c.mu.Lock()
	if profile == "" {
		delete(c.clients, clientKey)
	} else {
		c.clients[clientKey] = profile
	}
	invs := append([]Invalidator(nil), c.invalidators...)
	c.mu.Unlock()

	if profile != "" {
		for _, inv := range invs {
			inv.Invalidate(profile)
		}
	}
}

// Activate sets the process-wide profile and invalidates cached state for
// both the outgoing and incoming profile.
func (c *Context) Activate(profile string) {
	if profile == "" {
		profile = "default"
	}
	c.mu.Lock()
	prev := c.active
	c.active = profile
	invs := append([]Invalidator(nil), c.invalidators...)
	c.mu.Unlock()

	for _, inv := range invs {
		inv.Invalidate(prev)
		if prev != profile {
			inv.Invalidate(profile)
		}
	}
	c.logger.Info().Str("profile", profile).Str("previous", prev).Msg("profile activated")
}

// WithProfile activates profile for the duration of fn and always restores
// the previous process profile afterwards, including when fn panics.
func (c *Context) WithProfile(profile string, fn func(Credential) error) error {
	c.mu.Lock()
	c.swaps = append(c.swaps, c.active)
	region := c.region
	c.mu.Unlock()

	c.Activate(profile)
	defer c.restore()

	return fn(Credential{Profile: profile, Region: region})
}

func (c *Context) restore() {
	c.mu.Lock()
	if len(c.swaps) == 0 {
		c.mu.Unlock()
		return
	}
	prev := c.swaps[len(c.swaps)-1]
	c.swaps = c.swaps[:len(c.swaps)-1]
	c.mu.Unlock()

	c.Activate(prev)
}

func (c *Context) invalidate(profile string) {
	c.mu.Lock()
	invs := append([]Invalidator(nil), c.invalidators...)
	c.mu.Unlock()
	for _, inv := range invs {
		inv.Invalidate(profile)
	}
}

// ClientKey derives a best-effort affinity key for a caller: the explicit
// client id when given, else a hash of the user agent, else the remote host.
func ClientKey(explicitID, userAgent, remoteAddr string) string {
	if id := strings.TrimSpace(explicitID); id != "" {
		return "client:" + id
	}
	if ua := strings.TrimSpace(userAgent); ua != "" {
		h := sha256.Sum256([]byte(ua))
		return "ua:" + hex.EncodeToString(h[:])[:16]
	}
	if remoteAddr != "" {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		return "addr:" + host
	}
	return ""
}
