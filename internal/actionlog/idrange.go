package actionlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sentinel-modlog/internal/storage"
)

const DefaultMaxRangeIDs = 100

// Range error kinds name the part of an expression that failed.
const (
	RangeKindNumber = "number"
	RangeKindLatest = "latest"
	RangeKindRange  = "range"
	RangeKindOffset = "offset"
	RangeKindList   = "list"
)

type RangeError struct {
	Kind   string
	Input  string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Input, e.Reason)
}

// LatestFunc resolves the most recent live action ID of a guild.
type LatestFunc func(ctx context.Context) (int64, error)

type rangeParser struct {
	ctx      context.Context
	latestFn LatestFunc
	latest   int64
	resolved bool
	maxIDs   int
}

// ParseRange expands an ID expression into a sorted, deduplicated list of
// action IDs. Accepted terms are a number, l or latest, N..M, N~X (X before N)
// and comma separated lists of those. Either side of a range may be l or an
// offset.
func ParseRange(ctx context.Context, expr string, latest LatestFunc, maxIDs int) ([]int64, error) {
	if maxIDs <= 0 {
		maxIDs = DefaultMaxRangeIDs
	}
	p := &rangeParser{ctx: ctx, latestFn: latest, maxIDs: maxIDs}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &RangeError{Kind: RangeKindList, Input: expr, Reason: "expression is empty"}
	}

	seen := make(map[int64]struct{})
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &RangeError{Kind: RangeKindList, Input: expr, Reason: "list has an empty element"}
		}
		ids, err := p.term(part)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		if len(seen) > maxIDs {
			return nil, &RangeError{Kind: RangeKindList, Input: expr, Reason: fmt.Sprintf("selects more than %d actions", maxIDs)}
		}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (p *rangeParser) term(part string) ([]int64, error) {
	switch {
	case strings.Contains(part, ".."):
		return p.span(part)
	case strings.Contains(part, "~"):
		id, err := p.offset(part)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	default:
		id, err := p.atom(part, RangeKindNumber)
		if err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}
}

func (p *rangeParser) span(part string) ([]int64, error) {
	bounds := strings.Split(part, "..")
	if len(bounds) != 2 {
		return nil, &RangeError{Kind: RangeKindRange, Input: part, Reason: "expected exactly one .."}
	}
	start, err := p.endpoint(strings.TrimSpace(bounds[0]))
	if err != nil {
		return nil, err
	}
	end, err := p.endpoint(strings.TrimSpace(bounds[1]))
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, &RangeError{Kind: RangeKindRange, Input: part, Reason: "start is after end"}
	}
	if end-start >= int64(p.maxIDs) {
		return nil, &RangeError{Kind: RangeKindRange, Input: part, Reason: fmt.Sprintf("spans more than %d actions", p.maxIDs)}
	}

	ids := make([]int64, 0, end-start+1)
	for i := int64(0); i <= end-start; i++ {
		ids = append(ids, start+i)
	}
	return ids, nil
}

func (p *rangeParser) endpoint(value string) (int64, error) {
	if strings.Contains(value, "~") {
		return p.offset(value)
	}
	return p.atom(value, RangeKindRange)
}

func (p *rangeParser) offset(part string) (int64, error) {
	pieces := strings.Split(part, "~")
	if len(pieces) != 2 {
		return 0, &RangeError{Kind: RangeKindOffset, Input: part, Reason: "expected exactly one ~"}
	}
	base, err := p.atom(strings.TrimSpace(pieces[0]), RangeKindOffset)
	if err != nil {
		return 0, err
	}
	back, err := strconv.ParseInt(strings.TrimSpace(pieces[1]), 10, 64)
	if err != nil || back < 0 {
		return 0, &RangeError{Kind: RangeKindOffset, Input: part, Reason: "offset must be a non-negative number"}
	}
	if base-back < 1 {
		return 0, &RangeError{Kind: RangeKindOffset, Input: part, Reason: "points before the first action"}
	}
	return base - back, nil
}

// atom parses a single number or l/latest. kind labels errors raised for
// malformed numbers so they point at the enclosing term.
func (p *rangeParser) atom(value, kind string) (int64, error) {
	lower := strings.ToLower(value)
	if lower == "l" || lower == "latest" {
		return p.resolveLatest(value)
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &RangeError{Kind: kind, Input: value, Reason: "not a number"}
	}
	if id < 1 {
		return 0, &RangeError{Kind: kind, Input: value, Reason: "action ids start at 1"}
	}
	return id, nil
}

func (p *rangeParser) resolveLatest(value string) (int64, error) {
	if p.resolved {
		return p.latest, nil
	}
	if p.latestFn == nil {
		return 0, &RangeError{Kind: RangeKindLatest, Input: value, Reason: "latest action is unknown"}
	}
	latest, err := p.latestFn(p.ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrNotFound) {
			return 0, &RangeError{Kind: RangeKindLatest, Input: value, Reason: "no actions recorded yet"}
		}
		return 0, fmt.Errorf("resolve latest action: %w", err)
	}
	p.latest = latest
	p.resolved = true
	return latest, nil
}

// CollapseSequence renders IDs in the compact form ParseRange accepts, folding
// consecutive runs into N..M.
func CollapseSequence(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		switch {
		case start == prev:
			parts = append(parts, strconv.FormatInt(start, 10))
		default:
			parts = append(parts, fmt.Sprintf("%d..%d", start, prev))
		}
	}
	for _, id := range sorted[1:] {
		if id == prev {
			continue
		}
		if id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()
	return strings.Join(parts, ",")
}
