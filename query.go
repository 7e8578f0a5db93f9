// Filter queries: posting-list intersection over secondary indexes,
// falling back to a document scan for uncovered keys (§4.6 "Query
// algorithm").
package smoldb

// QueryPlan is the result of intersecting filter against the index
// manager's secondary indexes, before any document I/O.
type QueryPlan struct {
	Candidates    []string // every primary id when no filter key is indexed
	FullyCovered  bool
	EmptyResult   bool // a filter key was indexed but its value had no postings
}

// plan implements steps 1-3 of the query algorithm: it never touches
// the storage engine, only the in-memory secondary indexes.
func (im *IndexManager) plan(filter map[string]any) QueryPlan {
	var candidates map[string]struct{}
	fullyCovered := true
	matchedIndexed := false

	for key, want := range filter {
		if !im.HasSecondaryIndex(key) {
			fullyCovered = false
			continue
		}
		matchedIndexed = true
		ids, _ := im.Postings(key, serializeValue(want))
		if len(ids) == 0 {
			return QueryPlan{EmptyResult: true}
		}
		if candidates == nil {
			candidates = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				candidates[id] = struct{}{}
			}
			continue
		}
		// Hash the fresh postings into a set so intersection is
		// O(|candidates| + |ids|), not O(|candidates| x |ids|)
		// (§4.6 "a key performance lever").
		idSet := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
		for id := range candidates {
			if _, ok := idSet[id]; !ok {
				delete(candidates, id)
			}
		}
		if len(candidates) == 0 {
			return QueryPlan{EmptyResult: true}
		}
	}

	if !matchedIndexed {
		return QueryPlan{Candidates: append([]string(nil), im.primaryIDs...), FullyCovered: false}
	}

	out := make([]string, 0, len(candidates))
	for id := range candidates {
		out = append(out, id)
	}
	return QueryPlan{Candidates: out, FullyCovered: fullyCovered}
}

// FindIds returns the ids matching filter, reading documents from
// storage only when a filter key is not backed by a secondary index
// (§4.6 step 4-5, P7).
func (im *IndexManager) FindIds(filter map[string]any, read func(DocumentLocation) (map[string]any, error)) ([]string, error) {
	plan := im.plan(filter)
	if plan.EmptyResult {
		return nil, nil
	}
	if plan.FullyCovered {
		return plan.Candidates, nil
	}

	var out []string
	for _, id := range plan.Candidates {
		loc, ok := im.primary[id]
		if !ok {
			continue
		}
		doc, err := read(loc)
		if err != nil {
			return nil, err
		}
		if matches(doc, filter) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Count returns how many ids FindIds matches; a nil or empty filter
// counts every document without planning a query.
func (im *IndexManager) Count(filter map[string]any, read func(DocumentLocation) (map[string]any, error)) (int, error) {
	if filter == nil || len(filter) == 0 {
		return len(im.primaryIDs), nil
	}
	ids, err := im.FindIds(filter, read)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Find returns the matching documents themselves.
func (im *IndexManager) Find(filter map[string]any, read func(DocumentLocation) (map[string]any, error)) (map[string]map[string]any, error) {
	ids, err := im.FindIds(filter, read)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(ids))
	for _, id := range ids {
		loc, ok := im.primary[id]
		if !ok {
			continue
		}
		doc, err := read(loc)
		if err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, nil
}
