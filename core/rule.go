package core

import (
	"errors"
	"fmt"
	"strings"
)

// Condition is a declarative predicate reference: a kind plus its parameters.
// Evaluation lives in the conditions package; conditions never mutate state.
type Condition struct {
	ID     string        `json:"id"`
	Kind   ConditionKind `json:"kind"`
	Params Params        `json:"params,omitempty"`
}

// Reward is a declarative effect reference: a kind plus its parameters.
type Reward struct {
	ID     string     `json:"id"`
	Kind   RewardKind `json:"kind"`
	Params Params     `json:"params,omitempty"`
}

// Category reads the reward's target category parameter.
func (r Reward) Category() (CategoryID, error) {
	s, err := r.Params.String("category")
	if err != nil {
		return "", err
	}
	return CategoryID(s), nil
}

// Amount reads the reward's signed points amount.
func (r Reward) Amount() (int64, error) {
	return r.Params.Int("amount")
}

// Rule aggregates trigger event types, conditions with a combinator, and an
// ordered reward list. Immutable after load; administrative replacement only.
type Rule struct {
	ID         RuleID                 `json:"id"`
	Name       string                 `json:"name"`
	Triggers   map[EventType]struct{} `json:"triggers"`
	Conditions []Condition            `json:"conditions,omitempty"`
	Combinator Combinator             `json:"combinator"`
	Rewards    []Reward               `json:"rewards"`
	Active     bool                   `json:"active"`
}

// NewRule validates and constructs a rule. The combinator defaults to ALL
// when unspecified.
func NewRule(id RuleID, name string, triggers []EventType, conditions []Condition, combinator Combinator, rewards []Reward, active bool) (Rule, error) {
	if strings.TrimSpace(string(id)) == "" {
		return Rule{}, errors.New("rule: missing id")
	}
	if len(triggers) == 0 {
		return Rule{}, fmt.Errorf("rule %s: at least one trigger event type required", id)
	}
	switch combinator {
	case CombineAll, CombineAny:
	case "":
		combinator = CombineAll
	default:
		return Rule{}, fmt.Errorf("rule %s: unknown combinator %q", id, combinator)
	}
	if len(rewards) == 0 {
		return Rule{}, fmt.Errorf("rule %s: at least one reward required", id)
	}
	set := make(map[EventType]struct{}, len(triggers))
	for _, t := range triggers {
		if strings.TrimSpace(string(t)) == "" {
			return Rule{}, fmt.Errorf("rule %s: empty trigger event type", id)
		}
		set[t] = struct{}{}
	}
	for i, c := range conditions {
		if c.Kind == "" {
			return Rule{}, fmt.Errorf("rule %s: condition %d missing kind", id, i)
		}
	}
	for i, rw := range rewards {
		if rw.Kind == "" {
			return Rule{}, fmt.Errorf("rule %s: reward %d missing kind", id, i)
		}
	}
	return Rule{
		ID:         id,
		Name:       name,
		Triggers:   set,
		Conditions: conditions,
		Combinator: combinator,
		Rewards:    rewards,
		Active:     active,
	}, nil
}

// TriggeredBy reports whether the rule is a candidate for the event type.
func (r Rule) TriggeredBy(typ EventType) bool {
	_, ok := r.Triggers[typ]
	return ok
}
