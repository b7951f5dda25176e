package perf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/odyssey-erp/odyssey-crm/internal/guard"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/session"
)

type slowStore struct {
	delay time.Duration
	perms []rbac.Permission
}

func (s slowStore) ListPermissions(ctx context.Context, _ string) ([]rbac.Permission, error) {
	select {
	case <-time.After(s.delay):
		return s.perms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (slowStore) CheckPermission(context.Context, string, string) (bool, error) {
	return false, nil
}

func newResolver(delay time.Duration) *rbac.Resolver {
	perms := make([]rbac.Permission, 0, 200)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("module%d.action%d", i/10, i%10)
		perms = append(perms, rbac.Permission{Key: key, Name: key, Source: rbac.SourceRole})
	}
	return rbac.NewResolver(slowStore{delay: delay, perms: perms}, rbac.ResolverConfig{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		TTL:     time.Minute,
		Timeout: time.Second,
	})
}

func TestPermissionLatencyTargets(t *testing.T) {
	resolver := newResolver(2 * time.Millisecond)
	ctx := context.Background()

	cold := make([]time.Duration, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("user-%d", i)
		start := time.Now()
		if _, err := resolver.GetPermissions(ctx, id); err != nil {
			t.Fatalf("cold fetch: %v", err)
		}
		cold = append(cold, time.Since(start))
	}

	cached := make([]time.Duration, 0, 1000)
	for i := 0; i < 1000; i++ {
		sub := rbac.Subject{PrincipalID: fmt.Sprintf("user-%d", i%20)}
		start := time.Now()
		if !resolver.HasPermission(sub, "module7.action3") {
			t.Fatal("cached permission denied")
		}
		cached = append(cached, time.Since(start))
	}

	scenarios := []struct {
		name      string
		samples   []time.Duration
		threshold time.Duration
	}{
		{name: "cached", samples: cached, threshold: time.Millisecond},
		{name: "cold", samples: cold, threshold: 250 * time.Millisecond},
	}
	for _, scenario := range scenarios {
		p95 := percentile95(scenario.samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func BenchmarkHasPermissionCached(b *testing.B) {
	resolver := newResolver(0)
	if _, err := resolver.GetPermissions(context.Background(), "user-1"); err != nil {
		b.Fatalf("warm cache: %v", err)
	}
	sub := rbac.Subject{PrincipalID: "user-1"}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resolver.HasPermission(sub, "module19.action9")
	}
}

func BenchmarkDecide(b *testing.B) {
	company := "c1"
	in := guard.Input{
		Principal: &session.Principal{ID: "user-1"},
		Roles:     roles.NewSet([]roles.Assignment{{Role: roles.RoleAgent, CompanyID: &company}}),
		Path:      "/tickets/42",
		Rule:      guard.Rule{RequiredRole: roles.RoleAgent},
	}
	routes := guard.DefaultRoutes()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		guard.Decide(in, routes)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
