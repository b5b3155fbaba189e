// Package rules loads declarative rule, point-category, and level definitions
// from YAML or JSON documents and serves them to the engine as immutable
// snapshots. Hot reload swaps the whole snapshot atomically; in-flight
// evaluations keep the snapshot they started with.
package rules

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"meritkit/core"
)

// Document is the wire format of a definitions file. YAML is a superset of
// JSON, so one decoder serves both.
type Document struct {
	Categories []CategoryDef `yaml:"categories" json:"categories"`
	Levels     []LevelDef    `yaml:"levels" json:"levels"`
	Rules      []RuleDef     `yaml:"rules" json:"rules"`
}

type CategoryDef struct {
	ID            string `yaml:"id" json:"id"`
	Aggregation   string `yaml:"aggregation" json:"aggregation"`
	Spendable     bool   `yaml:"spendable" json:"spendable"`
	AllowNegative bool   `yaml:"allow_negative" json:"allow_negative"`
}

type LevelDef struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Category  string `yaml:"category" json:"category"`
	MinPoints int64  `yaml:"min_points" json:"min_points"`
}

type ConditionDef struct {
	ID     string         `yaml:"id" json:"id"`
	Kind   string         `yaml:"kind" json:"kind"`
	Params map[string]any `yaml:"params" json:"params"`
}

type RewardDef struct {
	ID     string         `yaml:"id" json:"id"`
	Kind   string         `yaml:"kind" json:"kind"`
	Params map[string]any `yaml:"params" json:"params"`
}

type RuleDef struct {
	ID         string         `yaml:"id" json:"id"`
	Name       string         `yaml:"name" json:"name"`
	Triggers   []string       `yaml:"triggers" json:"triggers"`
	Conditions []ConditionDef `yaml:"conditions" json:"conditions"`
	Combinator string         `yaml:"combinator" json:"combinator"`
	Rewards    []RewardDef    `yaml:"rewards" json:"rewards"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active" json:"active"`
}

// Snapshot is an immutable, validated rule set. Unknown condition and reward
// kinds are allowed here; plugins resolve them at evaluation time.
type Snapshot struct {
	rules      []core.Rule
	active     []core.Rule
	categories map[core.CategoryID]core.PointCategory
	levels     []core.Level
}

// Parse decodes and validates a definitions document.
func Parse(data []byte) (*Snapshot, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	return Build(doc)
}

// Build validates a decoded document into a snapshot.
func Build(doc Document) (*Snapshot, error) {
	snap := &Snapshot{categories: make(map[core.CategoryID]core.PointCategory, len(doc.Categories))}

	for _, cd := range doc.Categories {
		cat, err := core.NewPointCategory(core.CategoryID(cd.ID), core.Aggregation(cd.Aggregation), cd.Spendable, cd.AllowNegative)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.categories[cat.ID]; dup {
			return nil, fmt.Errorf("duplicate category %s", cat.ID)
		}
		snap.categories[cat.ID] = cat
	}

	for _, ld := range doc.Levels {
		if ld.ID == "" || ld.Category == "" {
			return nil, fmt.Errorf("level %q: id and category required", ld.ID)
		}
		if _, ok := snap.categories[core.CategoryID(ld.Category)]; !ok {
			return nil, fmt.Errorf("level %s: unknown category %s", ld.ID, ld.Category)
		}
		snap.levels = append(snap.levels, core.Level{
			ID:        ld.ID,
			Name:      ld.Name,
			Category:  core.CategoryID(ld.Category),
			MinPoints: ld.MinPoints,
		})
	}

	seen := make(map[core.RuleID]struct{}, len(doc.Rules))
	for _, rd := range doc.Rules {
		rule, err := buildRule(rd)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate rule %s", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		snap.rules = append(snap.rules, rule)
		if rule.Active {
			snap.active = append(snap.active, rule)
		}
	}
	return snap, nil
}

func buildRule(rd RuleDef) (core.Rule, error) {
	triggers := make([]core.EventType, len(rd.Triggers))
	for i, t := range rd.Triggers {
		triggers[i] = core.EventType(t)
	}
	conditions := make([]core.Condition, len(rd.Conditions))
	for i, cd := range rd.Conditions {
		id := cd.ID
		if id == "" {
			id = fmt.Sprintf("%s-cond-%d", rd.ID, i)
		}
		conditions[i] = core.Condition{ID: id, Kind: core.ConditionKind(cd.Kind), Params: core.Params(cd.Params)}
	}
	rewards := make([]core.Reward, len(rd.Rewards))
	for i, wd := range rd.Rewards {
		id := wd.ID
		if id == "" {
			id = fmt.Sprintf("%s-reward-%d", rd.ID, i)
		}
		rewards[i] = core.Reward{ID: id, Kind: core.RewardKind(wd.Kind), Params: core.Params(wd.Params)}
	}
	active := true
	if rd.Active != nil {
		active = *rd.Active
	}
	return core.NewRule(core.RuleID(rd.ID), rd.Name, triggers, conditions, core.Combinator(rd.Combinator), rewards, active)
}

// Rules returns every rule in the snapshot, active or not.
func (s *Snapshot) Rules() []core.Rule { return s.rules }

// Store serves the current snapshot and supports hot reload without
// disturbing in-flight evaluations. It implements engine.RuleSource.
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
}

// NewStore wraps an already-built snapshot.
func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.current.Store(snap)
	return s
}

// NewStoreFromFile loads the definitions file and remembers the path so
// Reload can re-read it.
func NewStoreFromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s := NewStore(snap)
	s.path = path
	return s, nil
}

// Reload re-reads the definitions file and swaps the snapshot. On any error
// the previous snapshot stays in effect.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("rules store has no backing file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read definitions: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

// Swap replaces the snapshot (administrative replacement of the rule set).
func (s *Store) Swap(snap *Snapshot) { s.current.Store(snap) }

// ActiveRules returns the active rules of the current snapshot.
func (s *Store) ActiveRules(context.Context) []core.Rule {
	return s.current.Load().active
}

// Category resolves a point category definition.
func (s *Store) Category(id core.CategoryID) (core.PointCategory, bool) {
	cat, ok := s.current.Load().categories[id]
	return cat, ok
}

// Levels returns the level definitions of the current snapshot.
func (s *Store) Levels() []core.Level {
	return s.current.Load().levels
}
