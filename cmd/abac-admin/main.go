package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/audit"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "migrate":
		handleMigrate()
	case "apply":
		handleApply()
	case "evaluate":
		handleEvaluate()
	case "rotate":
		handleRotate()
	case "verify-archive":
		handleVerifyArchive()
	case "run":
		handleRun()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("abac-admin - administration tool for the abac engine and audit trail")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  abac-admin convert <input> <output>                       - Convert between formats")
	fmt.Println("  abac-admin validate <file>                                - Validate configuration and conditions")
	fmt.Println("  abac-admin migrate <file>                                 - Create database tables")
	fmt.Println("  abac-admin apply <file>                                   - Seed attributes, policies and assignments")
	fmt.Println("  abac-admin evaluate <file> <subject> <type:id> <action>   - Evaluate one access request")
	fmt.Println("  abac-admin rotate <file>                                  - Archive audit rows past retention")
	fmt.Println("  abac-admin verify-archive <archive> <sha256>              - Check an archive file against its hash")
	fmt.Println("  abac-admin run <file>                                     - Run the audit workers until interrupted")
	fmt.Println()
	fmt.Println("Supported formats: .abac, .dsl, .yaml, .yml, .json")
	fmt.Printf("Environment: %s, %s, %s\n", abac.EnvAuditHMACKey, abac.EnvDatabaseDSN, abac.EnvRedisAddr)
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func requireArgs(n int, usage string) {
	if len(os.Args) < n {
		fail("Usage: abac-admin %s", usage)
	}
}

func loadConfig(filename string) *abac.Config {
	cfg, err := abac.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	return cfg
}

func handleConvert() {
	requireArgs(4, "convert <input> <output>")
	cfg := loadConfig(os.Args[2])
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(os.Args[3])) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".abac", ".dsl":
		data, err = cfg.ToDSL()
	default:
		fail("unsupported file format: %s", os.Args[3])
	}
	if err != nil {
		fail("Error encoding config: %v", err)
	}
	if err := os.WriteFile(os.Args[3], data, 0o644); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleValidate() {
	requireArgs(3, "validate <file>")
	cfg := loadConfig(os.Args[2])

	names := make(map[string]bool, len(cfg.Policies))
	for _, pc := range cfg.Policies {
		p := &abac.Policy{Name: pc.Name, Effect: pc.Effect, Conditions: pc.Conditions, ResourceType: pc.ResourceType, Priority: pc.Priority}
		if err := abac.ValidatePolicy(p); err != nil {
			fail("Policy %q is invalid: %v", pc.Name, err)
		}
		if names[pc.Name] {
			fail("Policy name %q is used twice", pc.Name)
		}
		names[pc.Name] = true
	}
	for _, a := range cfg.Assignments {
		if !names[a.Policy] {
			fail("Assignment references unknown policy %q", a.Policy)
		}
		if a.ResourceID == "" || a.ResourceType == "" {
			fail("Assignment of %q needs a resource type and id", a.Policy)
		}
	}

	allow := 0
	for _, p := range cfg.Policies {
		if p.Effect == abac.EffectAllow {
			allow++
		}
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Attribute definitions: %d\n", len(cfg.AttributeDefinitions))
	fmt.Printf("  Attributes:            %d\n", len(cfg.Attributes))
	fmt.Printf("  Policies:              %d (%d allow, %d deny)\n", len(cfg.Policies), allow, len(cfg.Policies)-allow)
	fmt.Printf("  Assignments:           %d\n", len(cfg.Assignments))
	fmt.Printf("  Decision cache:        %s, ttl %dms\n", cfg.Engine.DecisionCache, cfg.Engine.DecisionCacheTTL)
}

// app holds the process-wide collaborators built from config. Close
// releases them in reverse order of construction.
type app struct {
	cfg      *abac.Config
	log      logger.Logger
	sqlDB    *sql.DB
	db       *squealx.DB
	redis    *redis.Client
	attrs    *stores.SQLAttributeStore
	policies *stores.SQLPolicyStore
	audit    *stores.SQLAuditStore
}

func open(ctx context.Context, cfg *abac.Config) *app {
	rt := &app{cfg: cfg, log: logger.NewPhusluLogger()}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	sqlDB, err := sql.Open(driver, cfg.Storage.DSN)
	if err != nil {
		fail("Error opening database: %v", err)
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		fail("Error connecting to database: %v", err)
	}
	rt.sqlDB = sqlDB
	rt.db = squealx.NewDb(sqlDB, driver, "abac")
	rt.attrs = stores.NewSQLAttributeStore(rt.db)
	rt.policies = stores.NewSQLPolicyStore(rt.db)
	rt.audit, err = stores.NewSQLAuditStore(rt.db)
	if err != nil {
		fail("Error preparing audit store: %v", err)
	}
	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	return rt
}

func (rt *app) Close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.log.Warn("redis close failed", "error", err)
		}
	}
	if err := rt.sqlDB.Close(); err != nil {
		rt.log.Warn("database close failed", "error", err)
	}
}

func (rt *app) decisionCache() abac.DecisionCache {
	switch rt.cfg.Engine.DecisionCache {
	case "redis":
		if rt.redis == nil {
			fail("decision_cache=redis needs redis.addr or %s", abac.EnvRedisAddr)
		}
		return stores.NewRedisDecisionCache(rt.redis)
	case "ristretto":
		c, err := abac.NewRistrettoDecisionCache(rt.cfg.Engine.Ristretto())
		if err != nil {
			fail("Error creating ristretto cache: %v", err)
		}
		return c
	}
	return nil
}

func (rt *app) auditService() *audit.Service {
	opts := audit.ServiceOptions{Logger: rt.log}
	if rt.redis != nil {
		counter := stores.NewRedisCounter(rt.redis)
		opts.Counter = counter
		opts.Checkers = append(opts.Checkers, audit.PingChecker{Component: "redis", Target: counter, Slow: 250 * time.Millisecond})
	}
	svc, err := audit.NewService(rt.audit, rt.cfg.Audit, opts)
	if err != nil {
		fail("Error creating audit service: %v", err)
	}
	return svc
}

func (rt *app) engine(auditLog abac.AuditLogger) *abac.Engine {
	opts := rt.cfg.Engine.Options()
	opts = append(opts, abac.WithLogger(logger.With(rt.log, "component", "engine")))
	if c := rt.decisionCache(); c != nil {
		opts = append(opts, abac.WithDecisionCache(c))
	}
	e, err := abac.NewEngine(rt.attrs, rt.policies, auditLog, opts...)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	return e
}

func (rt *app) stopService(svc *audit.Service) {
	if err := svc.Stop(context.Background()); err != nil {
		rt.log.Error("audit workers did not drain in time", "error", err)
	}
}

func handleMigrate() {
	requireArgs(3, "migrate <file>")
	ctx := context.Background()
	rt := open(ctx, loadConfig(os.Args[2]))
	defer rt.Close()
	if err := stores.MigrateContext(ctx, rt.db); err != nil {
		fail("Error migrating: %v", err)
	}
	fmt.Println("Database migrated")
}

func handleApply() {
	requireArgs(3, "apply <file>")
	ctx := context.Background()
	cfg := loadConfig(os.Args[2])
	rt := open(ctx, cfg)
	defer rt.Close()
	if err := stores.MigrateContext(ctx, rt.db); err != nil {
		fail("Error migrating: %v", err)
	}

	svc := rt.auditService()
	svc.Start(ctx)
	defer rt.stopService(svc)

	admin := abac.NewPolicyAdmin(rt.policies, rt.engine(svc), svc, logger.With(rt.log, "component", "policy_admin"))
	if err := cfg.Apply(ctx, admin, rt.attrs); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		return
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Attribute definitions: %d\n", len(cfg.AttributeDefinitions))
	fmt.Printf("  Attributes:            %d\n", len(cfg.Attributes))
	fmt.Printf("  Policies:              %d\n", len(cfg.Policies))
	fmt.Printf("  Assignments:           %d\n", len(cfg.Assignments))
}

func handleEvaluate() {
	requireArgs(6, "evaluate <file> <subject> <type:id> <action>")
	ctx := context.Background()
	rt := open(ctx, loadConfig(os.Args[2]))
	defer rt.Close()

	resourceType, resourceID := abac.ParseResource(os.Args[4])
	if resourceType == "" {
		fail("resource must be given as <type>:<id>, got %q", os.Args[4])
	}
	svc := rt.auditService()
	svc.Start(ctx)
	defer rt.stopService(svc)

	rc := abac.RequestContext{UserAgent: "abac-admin"}
	if host, err := os.Hostname(); err == nil {
		rc.Environment = map[string]any{"host": host}
	}
	d := rt.engine(svc).Decide(ctx, os.Args[3], resourceID, resourceType, os.Args[5], rc)
	out := map[string]any{
		"allow":             d.Allow,
		"result":            d.Result,
		"matched_policy_id": d.MatchedPolicyID,
		"cache_hit":         d.CacheHit,
	}
	if d.Err != nil {
		out["error"] = d.Err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func handleRotate() {
	requireArgs(3, "rotate <file>")
	ctx := context.Background()
	cfg := loadConfig(os.Args[2])
	rt := open(ctx, cfg)
	defer rt.Close()

	rot, err := audit.NewRotator(rt.audit, cfg.Audit.ArchiveDir,
		audit.WithRetention(cfg.Audit.Retention()),
		audit.WithRotatorLogger(logger.With(rt.log, "component", "rotator")))
	if err != nil {
		fail("Error creating rotator: %v", err)
	}
	archives, err := rot.RunOnce(ctx, time.Now())
	for _, a := range archives {
		fmt.Printf("  %s  %d records  sha256 %s\n", a.FilePath, a.RecordCount, a.Hash)
	}
	if err != nil {
		fail("Error rotating audit log: %v", err)
	}
	fmt.Printf("Archived %d day(s)\n", len(archives))
}

func handleVerifyArchive() {
	requireArgs(4, "verify-archive <archive> <sha256>")
	if err := audit.VerifyArchive(os.Args[2], os.Args[3]); err != nil {
		fail("Archive verification failed: %v", err)
	}
	events, err := audit.ReadArchive(os.Args[2])
	if err != nil {
		fail("Archive unreadable: %v", err)
	}
	fmt.Printf("Archive intact: %d records\n", len(events))
}

func handleRun() {
	requireArgs(3, "run <file>")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := loadConfig(os.Args[2])
	rt := open(ctx, cfg)
	defer rt.Close()
	if err := stores.MigrateContext(ctx, rt.db); err != nil {
		fail("Error migrating: %v", err)
	}

	svc := rt.auditService()
	svc.Start(ctx)
	rt.log.Info("audit workers started", "archive_dir", cfg.Audit.ArchiveDir, "retention_days", cfg.Audit.RetentionDays)
	<-ctx.Done()
	rt.log.Info("shutting down")
	rt.stopService(svc)
}
