package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/uptrace/bun"
)

type RuleStore struct {
	db *bun.DB
}

func NewRuleStore(db *bun.DB) (*RuleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RuleStore{db: db}, nil
}

// ActiveBySource returns active rules bound to the source plus wildcard
// rules with no source filter. Rules are managed outside the pipeline, so
// this store is read-only.
func (s *RuleStore) ActiveBySource(ctx context.Context, source string) ([]core.RoutingRule, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: rule store is not configured")
	}
	var records []routingRuleRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.is_active = ?", true).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.source = ?", strings.TrimSpace(source)).
				WhereOr("?TableAlias.source IS NULL")
		}).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]core.RoutingRule, 0, len(records))
	for i := range records {
		rules = append(rules, ruleToDomain(&records[i]))
	}
	return rules, nil
}

func ruleToDomain(record *routingRuleRecord) core.RoutingRule {
	rule := core.RoutingRule{
		ID:             record.ID,
		Name:           record.Name,
		DestinationURL: record.DestinationURL,
		TransformExpr:  record.TransformExpr,
		Active:         record.Active,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
	if record.Source != nil {
		rule.Source = strings.TrimSpace(*record.Source)
	}
	if record.Category != nil {
		rule.Category = strings.TrimSpace(*record.Category)
	}
	return rule
}

var _ core.RuleStore = (*RuleStore)(nil)
