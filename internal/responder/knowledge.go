// Package responder answers visitors when no human agent is serving them,
// from a per-tenant keyword knowledge base kept in YAML.
package responder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	// ModeOfflineOnly answers only while no agent of the tenant is online.
	ModeOfflineOnly Mode = "offline_only"
	// ModeAlways answers every visitor message without a serving agent.
	ModeAlways Mode = "always"
)

const (
	defaultTenant  = "*"
	defaultWelcome = "Hello! How can we help you today?"
)

type Rule struct {
	Keyword  string `yaml:"keyword"`
	Reply    string `yaml:"reply"`
	Sort     int    `yaml:"sort"`
	Disabled bool   `yaml:"disabled"`
}

type TenantBase struct {
	Mode     Mode   `yaml:"mode"`
	Welcome  string `yaml:"welcome"`
	Fallback string `yaml:"fallback"`
	Rules    []Rule `yaml:"rules"`
}

type fileFormat struct {
	Tenants map[string]TenantBase `yaml:"tenants"`
}

// KnowledgeBase is safe for concurrent use; Replace swaps it atomically.
type KnowledgeBase struct {
	mu      sync.RWMutex
	tenants map[string]TenantBase
}

func New() *KnowledgeBase {
	return &KnowledgeBase{tenants: map[string]TenantBase{}}
}

// Load reads a knowledge base file. A missing file yields an empty base.
func Load(path string) (*KnowledgeBase, error) {
	kb := New()
	if path == "" {
		return kb, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kb, nil
		}
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	if err := kb.Parse(data); err != nil {
		return nil, err
	}
	return kb, nil
}

func (kb *KnowledgeBase) Parse(data []byte) error {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse knowledge base: %w", err)
	}
	for name, tb := range f.Tenants {
		if err := validate(name, tb); err != nil {
			return err
		}
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.tenants = make(map[string]TenantBase, len(f.Tenants))
	for name, tb := range f.Tenants {
		kb.tenants[name] = normalize(tb)
	}
	return nil
}

// Replace installs tb for tenant, replacing any previous entry.
func (kb *KnowledgeBase) Replace(tenant string, tb TenantBase) error {
	if err := validate(tenant, tb); err != nil {
		return err
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.tenants[tenant] = normalize(tb)
	return nil
}

func validate(name string, tb TenantBase) error {
	switch tb.Mode {
	case "", ModeOfflineOnly, ModeAlways:
	default:
		return fmt.Errorf("tenant %q: unknown mode %q", name, tb.Mode)
	}
	for i, r := range tb.Rules {
		if strings.TrimSpace(r.Keyword) == "" || strings.TrimSpace(r.Reply) == "" {
			return fmt.Errorf("tenant %q: rule %d needs keyword and reply", name, i)
		}
	}
	return nil
}

func normalize(tb TenantBase) TenantBase {
	if tb.Mode == "" {
		tb.Mode = ModeOfflineOnly
	}
	rules := make([]Rule, 0, len(tb.Rules))
	for _, r := range tb.Rules {
		if r.Disabled {
			continue
		}
		r.Keyword = strings.ToLower(strings.TrimSpace(r.Keyword))
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Sort > rules[j].Sort })
	tb.Rules = rules
	return tb
}

func (kb *KnowledgeBase) base(tenant string) (TenantBase, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if tb, ok := kb.tenants[tenant]; ok {
		return tb, true
	}
	tb, ok := kb.tenants[defaultTenant]
	return tb, ok
}

// Reply returns the automated answer for content, if any. The first rule in
// descending sort order whose keyword contains, or is contained in, the
// message wins.
func (kb *KnowledgeBase) Reply(_ context.Context, tenant, content string, agentsOnline bool) (string, bool, error) {
	tb, ok := kb.base(tenant)
	if !ok {
		return "", false, nil
	}
	if tb.Mode == ModeOfflineOnly && agentsOnline {
		return "", false, nil
	}
	msg := strings.ToLower(strings.TrimSpace(content))
	if msg != "" {
		for _, r := range tb.Rules {
			if strings.Contains(msg, r.Keyword) || strings.Contains(r.Keyword, msg) {
				return r.Reply, true, nil
			}
		}
	}
	if tb.Fallback != "" {
		return tb.Fallback, true, nil
	}
	return "", false, nil
}

// Welcome is sent when a visitor is handed to the automated responder.
func (kb *KnowledgeBase) Welcome(tenant string) string {
	if tb, ok := kb.base(tenant); ok && tb.Welcome != "" {
		return tb.Welcome
	}
	return defaultWelcome
}
