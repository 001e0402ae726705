package lookup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/cache"
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

// Constraint is one (tag, pattern) predicate of a query. Patterns follow
// DICOM wildcard matching: literal equality, `*` and `?`.
type Constraint struct {
	Tag     tag.Tag
	Pattern string
}

// Query is a structured multi-level find request.
type Query struct {
	Level       dicom.Level
	Constraints []Constraint
	MaxResults  int
}

// DefaultMaxResults caps result sets when the caller does not.
const DefaultMaxResults = 100

// Engine executes queries against the index, resolving unindexed predicates
// through the JSON attachments.
type Engine struct {
	index    *index.Index
	accessor *storage.Accessor
	cache    cache.Cache
}

// NewEngine wires the lookup engine. cache may be nil.
func NewEngine(idx *index.Index, accessor *storage.Accessor, c cache.Cache) *Engine {
	return &Engine{index: idx, accessor: accessor, cache: c}
}

// compiled pairs a constraint with its matcher and classification.
type compiled struct {
	constraint Constraint
	matcher    *Matcher
	level      dicom.Level
	identifier bool
	indexed    bool
}

// Find returns the public ids of resources at q.Level matching every
// constraint.
func (e *Engine) Find(ctx context.Context, q Query) ([]string, error) {
	start := time.Now()
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	preds := make([]compiled, 0, len(q.Constraints))
	for _, c := range q.Constraints {
		m, err := NewMatcher(c.Pattern)
		if err != nil {
			return nil, err
		}
		p := compiled{constraint: c, matcher: m}
		if lvl, ok := dicom.IdentifierLevel(c.Tag); ok && lvl <= q.Level {
			p.level, p.identifier, p.indexed = lvl, true, true
		} else if lvl, ok := dicom.MainTagLevel(c.Tag); ok && lvl <= q.Level {
			p.level, p.indexed = lvl, true
		}
		preds = append(preds, p)
	}

	var results []string
	err := e.index.View(func(tx *index.Tx) error {
		candidates, err := e.walkHierarchy(tx, q.Level, preds)
		if err != nil {
			return err
		}

		unindexed := filterPreds(preds, func(p compiled) bool { return !p.indexed })
		for _, id := range candidates {
			if len(results) >= maxResults {
				break
			}
			if len(unindexed) > 0 {
				ok, err := e.matchUnindexed(ctx, tx, id, unindexed)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			res, err := tx.Resource(id)
			if err != nil {
				return err
			}
			results = append(results, res.PublicID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("constraints", len(q.Constraints)).
		Int("results", len(results)).
		Str("level", q.Level.String()).
		Dur("elapsed", time.Since(start)).
		Msg("Find executed")
	return results, nil
}

// walkHierarchy materializes candidates level by level from Patient down to
// the target, filtering by the indexed constraints of each level and
// descending through parent-child expansion. Identifier lookups seed the
// candidate set when the pattern is literal; wildcard patterns are
// re-matched locally because the index lookup is stricter than the pattern.
func (e *Engine) walkHierarchy(tx *index.Tx, target dicom.Level, preds []compiled) ([]int64, error) {
	var current []int64
	materialized := false

	for level := dicom.LevelPatient; level <= target; level++ {
		levelPreds := filterPreds(preds, func(p compiled) bool {
			return p.indexed && p.level == level
		})

		if materialized {
			var expanded []int64
			for _, id := range current {
				children, err := tx.Children(id)
				if err != nil {
					return nil, err
				}
				expanded = append(expanded, children...)
			}
			current = expanded
		} else if len(levelPreds) > 0 || level == target {
			seeded := false
			for _, p := range levelPreds {
				if p.identifier && !HasWildcard(p.constraint.Pattern) && p.constraint.Pattern != "" {
					ids, err := tx.LookupIdentifier(p.constraint.Tag, p.constraint.Pattern, level)
					if err != nil {
						return nil, err
					}
					current = ids
					seeded = true
					break
				}
			}
			if !seeded {
				ids, err := tx.AllAtLevel(level)
				if err != nil {
					return nil, err
				}
				current = ids
			}
			materialized = true
		} else {
			continue
		}

		if len(levelPreds) > 0 {
			filtered := current[:0]
			for _, id := range current {
				tags, err := tx.MainTags(id)
				if err != nil {
					return nil, err
				}
				match := true
				for _, p := range levelPreds {
					value, _ := tags.GetString(p.constraint.Tag)
					if !p.matcher.Match(value) {
						match = false
						break
					}
				}
				if match {
					filtered = append(filtered, id)
				}
			}
			current = filtered
		}
	}
	return current, nil
}

// matchUnindexed resolves predicates over non-main tags by inspecting the
// JSON projection of one representative instance: the first child reachable
// by greedily descending the hierarchy.
func (e *Engine) matchUnindexed(ctx context.Context, tx *index.Tx, id int64, preds []compiled) (bool, error) {
	instanceID, ok, err := e.representativeInstance(tx, id)
	if err != nil || !ok {
		return false, err
	}

	doc, err := e.readTags(ctx, tx, instanceID)
	if err != nil {
		return false, err
	}

	for _, p := range preds {
		value := ""
		if entry, found := doc[dicom.TagKey(p.constraint.Tag)]; found {
			if m, ok := entry.(map[string]interface{}); ok && m["Type"] == "String" {
				if s, ok := m["Value"].(string); ok {
					value = s
				}
			}
		}
		if !p.matcher.Match(value) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) representativeInstance(tx *index.Tx, id int64) (int64, bool, error) {
	for {
		res, err := tx.Resource(id)
		if err != nil {
			return 0, false, err
		}
		if res.Level == dicom.LevelInstance.String() {
			return id, true, nil
		}
		children, err := tx.Children(id)
		if err != nil {
			return 0, false, err
		}
		if len(children) == 0 {
			return 0, false, nil
		}
		id = children[0]
	}
}

// readTags loads the canonical JSON projection of an instance, going through
// the byte cache when one is configured.
func (e *Engine) readTags(ctx context.Context, tx *index.Tx, instanceID int64) (map[string]interface{}, error) {
	res, err := tx.Resource(instanceID)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, cache.TagsKey(res.PublicID)); err == nil {
			var doc map[string]interface{}
			if json.Unmarshal(cached, &doc) == nil {
				return doc, nil
			}
		}
	}

	info, ok, err := tx.LookupAttachment(instanceID, storage.ContentDicomAsJSON)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]interface{}{}, nil
	}
	raw, err := e.accessor.Read(info, true)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		_ = e.cache.Set(ctx, cache.TagsKey(res.PublicID), raw, 10*time.Minute)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func filterPreds(preds []compiled, keep func(compiled) bool) []compiled {
	var out []compiled
	for _, p := range preds {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
