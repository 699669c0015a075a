package abac

import (
	"context"
	"fmt"
	"testing"

	"github.com/oarkflow/abac/logger"
)

func benchmarkEngine(b *testing.B, ttl bool, policies int) *Engine {
	b.Helper()
	ctx := context.Background()
	attrs := NewMemoryAttributeStore()
	store := NewMemoryPolicyStore()
	_ = attrs.PutAttribute(ctx, "user", "u1", "role", "editor")
	_ = attrs.PutAttribute(ctx, "user", "u1", "level", 4)
	for i := 0; i < policies; i++ {
		p := NewPolicyBuilder(fmt.Sprintf("p%d", i)).ResourceType("document").Priority(i).
			Equals("role", fmt.Sprintf("role-%d", i)).
			Where("user.level", OpGreaterThan, 2).
			Build()
		if i == 0 {
			p.Conditions["role"] = "editor"
		}
		_ = store.CreatePolicy(ctx, p)
		_ = store.AssignPolicy(ctx, NewAssignmentBuilder(p.ID).Resource("document", "doc:*").Build())
	}
	opts := []EngineOption{WithLogger(logger.NewNullLogger())}
	if !ttl {
		opts = append(opts, WithDecisionCacheTTL(0))
	}
	e, err := NewEngine(attrs, store, AuditLoggerFunc(func(context.Context, *AuditEvent) error { return nil }), opts...)
	if err != nil {
		b.Fatalf("NewEngine: %v", err)
	}
	return e
}

func BenchmarkEvaluateAccessCached(b *testing.B) {
	e := benchmarkEngine(b, true, 10)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.EvaluateAccess(ctx, "u1", "doc:1", "document", "read", RequestContext{})
	}
}

func BenchmarkEvaluateAccessUncached(b *testing.B) {
	for _, n := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("policies=%d", n), func(b *testing.B) {
			e := benchmarkEngine(b, false, n)
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				e.EvaluateAccess(ctx, "u1", "doc:1", "document", "read", RequestContext{})
			}
		})
	}
}

func BenchmarkParseConditions(b *testing.B) {
	s := `user.department == "engineering" && user.level > 3 && resource.classification in [public, internal]`
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseConditions(s); err != nil {
			b.Fatal(err)
		}
	}
}
