package abac

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DSL Syntax:
// engine <key>=<value>...
// audit <key>=<value>...
// define <name> <kind> [type:<data_type>] [multivalued] [inactive] [desc:"<text>"]
// attr <entity_type> <entity_id> <name> [expires:<rfc3339>] = <value>
// policy <name> <effect> <resource_type> [priority:<n>] [disabled] [desc:"<text>"] when <conditions>
// assign <policy_name> <resource_type> <resource_id> [expires:<rfc3339>]

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

// Parse reads a DSL document on top of DefaultConfig
func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i < len(data) && data[i] != '\n' {
			continue
		}
		p.line++
		line := strings.TrimSpace(string(data[start:i]))
		start = i + 1
		if line == "" || line[0] == '#' {
			continue
		}
		directive, rest, _ := strings.Cut(line, " ")
		var err error
		switch directive {
		case "engine":
			err = p.parseEngine(cfg, splitLine(rest))
		case "audit":
			err = p.parseAudit(cfg, splitLine(rest))
		case "define":
			err = p.parseDefine(cfg, splitLine(rest))
		case "attr":
			err = p.parseAttr(cfg, rest)
		case "policy":
			err = p.parsePolicy(cfg, rest)
		case "assign":
			err = p.parseAssign(cfg, splitLine(rest))
		default:
			err = fmt.Errorf("unknown directive: %s", directive)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
	}
	return cfg, nil
}

// splitLine splits on blanks outside double quotes and drops the quotes
func splitLine(line string) []string {
	parts := make([]string, 0, 8)
	var cur strings.Builder
	inQuote, quoted := false, false
	flush := func() {
		if cur.Len() > 0 || quoted {
			parts = append(parts, cur.String())
		}
		cur.Reset()
		quoted = false
	}
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
			quoted = true
		case (ch == ' ' || ch == '\t') && !inQuote:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return parts
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("engine option %q is not key=value", kv)
		}
		var err error
		switch key {
		case "decision_cache":
			cfg.Engine.DecisionCache = val
		case "decision_cache_ttl_ms":
			cfg.Engine.DecisionCacheTTL, err = strconv.ParseInt(val, 10, 64)
		case "evaluation_timeout_ms":
			cfg.Engine.EvaluationTimeout, err = strconv.ParseInt(val, 10, 64)
		case "ristretto_num_counter":
			cfg.Engine.RistrettoNumCounter, err = strconv.ParseInt(val, 10, 64)
		case "ristretto_max_cost":
			cfg.Engine.RistrettoMaxCost, err = strconv.ParseInt(val, 10, 64)
		default:
			return fmt.Errorf("unknown engine option: %s", key)
		}
		if err != nil {
			return fmt.Errorf("engine %s: %w", key, err)
		}
	}
	return nil
}

func (p *DSLParser) parseAudit(cfg *Config, parts []string) error {
	for _, kv := range parts {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("audit option %q is not key=value", kv)
		}
		var err error
		switch key {
		case "queue_size":
			cfg.Audit.QueueSize, err = strconv.Atoi(val)
		case "batch_size":
			cfg.Audit.BatchSize, err = strconv.Atoi(val)
		case "flush_interval_ms":
			cfg.Audit.FlushInterval, err = strconv.ParseInt(val, 10, 64)
		case "max_retries":
			cfg.Audit.MaxRetries, err = strconv.Atoi(val)
		case "retention_days":
			cfg.Audit.RetentionDays, err = strconv.Atoi(val)
		case "archive_dir":
			cfg.Audit.ArchiveDir = val
		case "dead_letter_path":
			cfg.Audit.DeadLetterPath = val
		default:
			return fmt.Errorf("unknown audit option: %s", key)
		}
		if err != nil {
			return fmt.Errorf("audit %s: %w", key, err)
		}
	}
	return nil
}

func (p *DSLParser) parseDefine(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("define requires: <name> <kind> [type:<data_type>] [multivalued]")
	}
	d := &AttributeDefinition{Name: parts[0], Kind: EntityKind(parts[1]), DataType: "string", IsActive: true}
	for _, opt := range parts[2:] {
		switch {
		case strings.HasPrefix(opt, "type:"):
			d.DataType = opt[5:]
		case strings.HasPrefix(opt, "desc:"):
			d.Description = opt[5:]
		case opt == "multivalued":
			d.Multivalued = true
		case opt == "inactive":
			d.IsActive = false
		default:
			return fmt.Errorf("unknown define option: %s", opt)
		}
	}
	cfg.AttributeDefinitions = append(cfg.AttributeDefinitions, d)
	return nil
}

func (p *DSLParser) parseAttr(cfg *Config, rest string) error {
	head, raw, ok := strings.Cut(rest, "=")
	if !ok {
		return fmt.Errorf("attr requires: <entity_type> <entity_id> <name> = <value>")
	}
	parts := splitLine(head)
	if len(parts) < 3 {
		return fmt.Errorf("attr requires: <entity_type> <entity_id> <name> = <value>")
	}
	value, err := parseValue(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("attr %s: %w", parts[2], err)
	}
	a := AttributeConfig{EntityType: parts[0], EntityID: parts[1], Name: parts[2], Value: value}
	for _, opt := range parts[3:] {
		if !strings.HasPrefix(opt, "expires:") {
			return fmt.Errorf("unknown attr option: %s", opt)
		}
		t, err := time.Parse(time.RFC3339, opt[8:])
		if err != nil {
			return fmt.Errorf("attr expires: %w", err)
		}
		a.ExpiresAt = &t
	}
	cfg.Attributes = append(cfg.Attributes, a)
	return nil
}

func (p *DSLParser) parsePolicy(cfg *Config, rest string) error {
	head, cond, _ := strings.Cut(rest, " when ")
	parts := splitLine(head)
	if len(parts) < 3 {
		return fmt.Errorf("policy requires: <name> <effect> <resource_type> [priority:<n>] when <conditions>")
	}
	conditions, err := ParseConditions(cond)
	if err != nil {
		return fmt.Errorf("policy %s: %w", parts[0], err)
	}
	pc := PolicyConfig{Name: parts[0], Effect: Effect(parts[1]), ResourceType: parts[2], Conditions: conditions}
	if !pc.Effect.Valid() {
		return fmt.Errorf("policy %s: %w: effect %q", pc.Name, ErrInvalidPolicy, parts[1])
	}
	for _, opt := range parts[3:] {
		switch {
		case strings.HasPrefix(opt, "priority:"):
			if pc.Priority, err = strconv.Atoi(opt[9:]); err != nil {
				return fmt.Errorf("policy %s priority: %w", pc.Name, err)
			}
		case strings.HasPrefix(opt, "desc:"):
			pc.Description = opt[5:]
		case opt == "disabled":
			pc.Disabled = true
		default:
			return fmt.Errorf("unknown policy option: %s", opt)
		}
	}
	cfg.Policies = append(cfg.Policies, pc)
	return nil
}

func (p *DSLParser) parseAssign(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("assign requires: <policy_name> <resource_type> <resource_id> [expires:<rfc3339>]")
	}
	a := AssignmentConfig{Policy: parts[0], ResourceType: parts[1], ResourceID: parts[2]}
	for _, opt := range parts[3:] {
		if !strings.HasPrefix(opt, "expires:") {
			return fmt.Errorf("unknown assign option: %s", opt)
		}
		t, err := time.Parse(time.RFC3339, opt[8:])
		if err != nil {
			return fmt.Errorf("assign expires: %w", err)
		}
		a.ExpiresAt = &t
	}
	cfg.Assignments = append(cfg.Assignments, a)
	return nil
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

// Encode writes the seed sections of cfg. Storage and Redis settings are not
// part of the DSL.
func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	e.buf = append(e.buf, "engine decision_cache="...)
	e.buf = append(e.buf, cfg.Engine.DecisionCache...)
	e.buf = append(e.buf, " decision_cache_ttl_ms="...)
	e.buf = strconv.AppendInt(e.buf, cfg.Engine.DecisionCacheTTL, 10)
	e.buf = append(e.buf, " evaluation_timeout_ms="...)
	e.buf = strconv.AppendInt(e.buf, cfg.Engine.EvaluationTimeout, 10)
	e.buf = append(e.buf, '\n')

	for _, d := range cfg.AttributeDefinitions {
		e.buf = append(e.buf, "define "...)
		e.word(d.Name)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, d.Kind...)
		if d.DataType != "" {
			e.buf = append(e.buf, " type:"...)
			e.buf = append(e.buf, d.DataType...)
		}
		if d.Multivalued {
			e.buf = append(e.buf, " multivalued"...)
		}
		if !d.IsActive {
			e.buf = append(e.buf, " inactive"...)
		}
		if d.Description != "" {
			e.buf = append(e.buf, " desc:"...)
			e.buf = strconv.AppendQuote(e.buf, d.Description)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, a := range cfg.Attributes {
		v, err := formatValue(a.Value)
		if err != nil {
			return nil, fmt.Errorf("attr %s: %w", a.Name, err)
		}
		e.buf = append(e.buf, "attr "...)
		e.word(a.EntityType)
		e.buf = append(e.buf, ' ')
		e.word(a.EntityID)
		e.buf = append(e.buf, ' ')
		e.word(a.Name)
		if a.ExpiresAt != nil {
			e.buf = append(e.buf, " expires:"...)
			e.buf = a.ExpiresAt.UTC().AppendFormat(e.buf, time.RFC3339)
		}
		e.buf = append(e.buf, " = "...)
		e.buf = append(e.buf, v...)
		e.buf = append(e.buf, '\n')
	}

	for _, p := range cfg.Policies {
		cond, err := FormatConditions(p.Conditions)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		e.buf = append(e.buf, "policy "...)
		e.word(p.Name)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, p.Effect...)
		e.buf = append(e.buf, ' ')
		e.word(p.ResourceType)
		if p.Priority != 0 {
			e.buf = append(e.buf, " priority:"...)
			e.buf = append(e.buf, strconv.AppendInt(tmp[:0], int64(p.Priority), 10)...)
		}
		if p.Disabled {
			e.buf = append(e.buf, " disabled"...)
		}
		if p.Description != "" {
			e.buf = append(e.buf, " desc:"...)
			e.buf = strconv.AppendQuote(e.buf, p.Description)
		}
		e.buf = append(e.buf, " when "...)
		e.buf = append(e.buf, cond...)
		e.buf = append(e.buf, '\n')
	}

	for _, a := range cfg.Assignments {
		e.buf = append(e.buf, "assign "...)
		e.word(a.Policy)
		e.buf = append(e.buf, ' ')
		e.word(a.ResourceType)
		e.buf = append(e.buf, ' ')
		e.word(a.ResourceID)
		if a.ExpiresAt != nil {
			e.buf = append(e.buf, " expires:"...)
			e.buf = a.ExpiresAt.UTC().AppendFormat(e.buf, time.RFC3339)
		}
		e.buf = append(e.buf, '\n')
	}

	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

func (e *DSLEncoder) word(s string) {
	if s == "" || strings.ContainsAny(s, " \t\"") {
		e.buf = strconv.AppendQuote(e.buf, s)
		return
	}
	e.buf = append(e.buf, s...)
}
