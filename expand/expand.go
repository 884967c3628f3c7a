// Package expand implements the second pipeline stage: a bounded multi-hop
// walk over the entity and event bipartite graph. Each hop turns the
// frontier entities into events, gates events by query similarity, then
// reverses back to entities so new neighbors surface with a discovery
// trace. Weights aggregate across hops with later hops counting more.
package expand

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/store"
	"github.com/cluegraph/cluegraph/vecmath"
)

// Config controls the expand stage.
type Config struct {
	Enabled                  bool    `json:"enabled" yaml:"enabled"`
	MaxHops                  int     `json:"max_hops" yaml:"max_hops"`
	EntitiesPerHop           int     `json:"entities_per_hop" yaml:"entities_per_hop"`
	WeightChangeThreshold    float64 `json:"weight_change_threshold" yaml:"weight_change_threshold"`
	EventSimilarityThreshold float64 `json:"event_similarity_threshold" yaml:"event_similarity_threshold"`
	MinEventsPerHop          int     `json:"min_events_per_hop" yaml:"min_events_per_hop"`
	MaxEventsPerHop          int     `json:"max_events_per_hop" yaml:"max_events_per_hop"`
}

// DefaultConfig returns the expand defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		MaxHops:                  2,
		EntitiesPerHop:           5,
		WeightChangeThreshold:    0.01,
		EventSimilarityThreshold: 0.5,
		MinEventsPerHop:          1,
		MaxEventsPerHop:          50,
	}
}

// Storage is the store surface expand needs. *store.Store satisfies it.
type Storage interface {
	EventsByEntityIDs(ctx context.Context, entityIDs []int64, sourceConfigIDs []string) ([]store.EventEntityRow, error)
	EntitiesByEventIDs(ctx context.Context, eventIDs []int64) ([]store.EventEntityRow, error)
	GetEventVectors(ctx context.Context, eventIDs []int64) (map[int64]store.EventVectors, error)
	GetEventsByIDs(ctx context.Context, ids []int64) ([]store.Event, error)
}

// Engine runs the expand stage.
type Engine struct {
	storage Storage
	cfg     Config
}

// New creates an expand engine.
func New(storage Storage, cfg Config) *Engine {
	return &Engine{storage: storage, cfg: cfg}
}

// Request carries the per-search inputs.
type Request struct {
	QueryEmbedding  []float32
	SourceConfigIDs []string
	Recall          []store.RankedEntity
	Tracker         *clue.Tracker
}

// Result is the expand output.
type Result struct {
	KeyFinal  []store.RankedEntity
	Hops      int
	Converged bool
}

// traceEntry records one discovery path candidate for an expanded entity.
type traceEntry struct {
	parentID    int64
	eventID     int64
	eventWeight float64
}

// observation is an entity weight recorded at one aggregation index.
// Recall weights sit at index 1 and hop h weights at index h+1.
type observation struct {
	index  int
	weight float64
}

type candidate struct {
	id     int64
	name   string
	typ    string
	weight float64
	hop    int
	traces []traceEntry
}

// hopEvent is one event surviving the similarity gate at a hop. jump is
// the composite key-weight times query-similarity, normalized by the max.
type hopEvent struct {
	id   int64
	sim  float64
	jump float64
}

// Run walks the graph for up to MaxHops hops. Disabled expansion or a zero
// hop budget passes the recall set through unchanged.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if !e.cfg.Enabled || e.cfg.MaxHops <= 0 {
		return &Result{KeyFinal: req.Recall}, nil
	}
	if len(req.Recall) == 0 {
		return &Result{}, nil
	}

	discovered := make(map[int64]*store.RankedEntity, len(req.Recall))
	var order []int64
	frontier := make(map[int64]float64, len(req.Recall))
	observations := make(map[int64][]observation)

	var prevTotal float64
	for i := range req.Recall {
		k := req.Recall[i]
		discovered[k.EntityID] = &store.RankedEntity{
			EntityID: k.EntityID, Name: k.Name, Type: k.Type,
			Weight: k.Weight, Steps: []int{1}, Hop: 0,
		}
		order = append(order, k.EntityID)
		frontier[k.EntityID] = k.Weight
		observations[k.EntityID] = []observation{{index: 1, weight: k.Weight}}
		prevTotal += k.Weight
	}

	// parents of entities that expanded further; used for the leaf clues.
	expandedFrom := make(map[int64]struct{})

	res := &Result{}
	for hop := 1; hop <= e.cfg.MaxHops; hop++ {
		frontierIDs := make([]int64, 0, len(frontier))
		for _, id := range order {
			if _, ok := frontier[id]; ok {
				frontierIDs = append(frontierIDs, id)
			}
		}

		// Step 1: frontier entities to events.
		rows, err := e.storage.EventsByEntityIDs(ctx, frontierIDs, req.SourceConfigIDs)
		if err != nil {
			return nil, fmt.Errorf("expand: events at hop %d: %w", hop, err)
		}
		if len(rows) == 0 {
			break
		}

		var eventIDs []int64
		seenEvents := make(map[int64]struct{})
		for _, r := range rows {
			if _, ok := seenEvents[r.EventID]; ok {
				continue
			}
			seenEvents[r.EventID] = struct{}{}
			eventIDs = append(eventIDs, r.EventID)
		}

		// New entities surface through the full entity lists of these
		// events, not just the frontier rows.
		fullRows, err := e.storage.EntitiesByEventIDs(ctx, eventIDs)
		if err != nil {
			return nil, fmt.Errorf("expand: entities at hop %d: %w", hop, err)
		}
		eventEntities := make(map[int64][]store.EventEntityRow)
		for _, r := range fullRows {
			eventEntities[r.EventID] = append(eventEntities[r.EventID], r)
		}

		// Step 2: query similarity over the batched content vectors.
		vectors, err := e.storage.GetEventVectors(ctx, eventIDs)
		if err != nil {
			return nil, fmt.Errorf("expand: event vectors at hop %d: %w", hop, err)
		}
		contents := make([][]float32, len(eventIDs))
		for i, id := range eventIDs {
			contents[i] = vectors[id].Content
		}
		sims := vecmath.CosineBatch(req.QueryEmbedding, contents)

		var hopEvents []hopEvent
		for i, id := range eventIDs {
			if sims[i] < e.cfg.EventSimilarityThreshold {
				continue
			}
			hopEvents = append(hopEvents, hopEvent{id: id, sim: sims[i]})
		}
		if len(hopEvents) < e.cfg.MinEventsPerHop {
			break
		}
		if e.cfg.MaxEventsPerHop > 0 && len(hopEvents) > e.cfg.MaxEventsPerHop {
			sort.SliceStable(hopEvents, func(i, j int) bool { return hopEvents[i].sim > hopEvents[j].sim })
			hopEvents = hopEvents[:e.cfg.MaxEventsPerHop]
		}

		// Steps 3 and 4: composite event weight, normalized by the max.
		var maxJump float64
		for i := range hopEvents {
			var keyWeight float64
			for _, r := range eventEntities[hopEvents[i].id] {
				if w, ok := frontier[r.EntityID]; ok {
					keyWeight += w
				}
			}
			hopEvents[i].jump = keyWeight * hopEvents[i].sim
			if hopEvents[i].jump > maxJump {
				maxJump = hopEvents[i].jump
			}
		}
		for i := range hopEvents {
			if maxJump > 0 {
				hopEvents[i].jump /= maxJump
			} else {
				hopEvents[i].jump = 0.1
			}
		}

		// Step 5: reverse to every entity in the surviving events.
		hopWeights := make(map[int64]float64)
		hopMeta := make(map[int64]store.EventEntityRow)
		traces := make(map[int64][]traceEntry)
		var hopOrder []int64
		for _, he := range hopEvents {
			inFrontier := make(map[int64]struct{})
			for _, r := range eventEntities[he.id] {
				if _, ok := frontier[r.EntityID]; ok {
					inFrontier[r.EntityID] = struct{}{}
				}
			}
			for _, r := range eventEntities[he.id] {
				if _, seen := hopWeights[r.EntityID]; !seen {
					hopOrder = append(hopOrder, r.EntityID)
					hopMeta[r.EntityID] = r
				}
				hopWeights[r.EntityID] += he.jump
				for parent := range inFrontier {
					if parent == r.EntityID {
						continue
					}
					traces[r.EntityID] = append(traces[r.EntityID], traceEntry{
						parentID: parent, eventID: he.id, eventWeight: he.jump,
					})
				}
			}
		}

		for _, id := range hopOrder {
			observations[id] = append(observations[id], observation{index: hop + 1, weight: hopWeights[id]})
		}

		// Hop clues: parent -> event and event -> child, never a direct
		// entity to entity edge.
		if err := e.emitHopClues(ctx, req.Tracker, hop, hopEvents, eventEntities, frontier); err != nil {
			return nil, err
		}

		res.Hops = hop

		// Step 6: convergence on total weight change.
		var total float64
		for _, w := range hopWeights {
			total += w
		}
		converged := math.Abs(total-prevTotal) < e.cfg.WeightChangeThreshold
		prevTotal = total

		// Step 7: pick the next frontier from the undiscovered entities.
		var next []candidate
		for _, id := range hopOrder {
			if _, ok := discovered[id]; ok {
				continue
			}
			m := hopMeta[id]
			next = append(next, candidate{
				id: id, name: m.EntityName, typ: m.EntityType,
				weight: hopWeights[id], hop: hop, traces: traces[id],
			})
		}
		sort.SliceStable(next, func(i, j int) bool { return next[i].weight > next[j].weight })
		if e.cfg.EntitiesPerHop > 0 && len(next) > e.cfg.EntitiesPerHop {
			next = next[:e.cfg.EntitiesPerHop]
		}

		frontier = make(map[int64]float64, len(next))
		order = order[:0]
		for _, c := range next {
			best := bestTrace(c.traces)
			entry := &store.RankedEntity{
				EntityID: c.id, Name: c.name, Type: c.typ,
				Weight: c.weight, Steps: []int{hop + 1}, Hop: hop,
			}
			if best != nil {
				entry.Parent = &store.EntityParent{
					EntityID:    best.parentID,
					EventID:     best.eventID,
					EventWeight: best.eventWeight,
				}
				expandedFrom[best.parentID] = struct{}{}
			}
			discovered[c.id] = entry
			order = append(order, c.id)
			frontier[c.id] = c.weight
		}

		if converged {
			res.Converged = true
			break
		}
		if len(frontier) == 0 {
			break
		}
	}

	res.KeyFinal = e.aggregate(discovered, observations, res.Hops)
	if err := e.emitFinalClues(ctx, req.Tracker, res.KeyFinal, expandedFrom); err != nil {
		return nil, err
	}
	return res, nil
}

// bestTrace returns the trace entry with the highest event weight.
func bestTrace(traces []traceEntry) *traceEntry {
	var best *traceEntry
	for i := range traces {
		if best == nil || traces[i].eventWeight > best.eventWeight {
			best = &traces[i]
		}
	}
	return best
}

// aggregate folds per-hop observations into one weight per entity with a
// weighted average that favors later hops, then sorts descending.
func (e *Engine) aggregate(discovered map[int64]*store.RankedEntity, observations map[int64][]observation, hops int) []store.RankedEntity {
	maxIndex := hops + 1
	if maxIndex < 1 {
		maxIndex = 1
	}

	var out []store.RankedEntity
	for _, entry := range discovered {
		var num, den float64
		for _, o := range observations[entry.EntityID] {
			f := float64(o.index) / float64(maxIndex)
			num += o.weight * f
			den += f
		}
		k := *entry
		if den > 0 {
			k.Weight = num / den
		}
		out = append(out, k)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// emitHopClues records the split parent -> event -> child intermediate
// clues for one hop.
func (e *Engine) emitHopClues(ctx context.Context, tracker *clue.Tracker, hop int, hopEvents []hopEvent, eventEntities map[int64][]store.EventEntityRow, frontier map[int64]float64) error {
	ids := make([]int64, len(hopEvents))
	for i, he := range hopEvents {
		ids[i] = he.id
	}
	events, err := e.storage.GetEventsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("expand: fetching events for clues at hop %d: %w", hop, err)
	}
	eventByID := make(map[int64]store.Event, len(events))
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}

	for _, he := range hopEvents {
		ev, ok := eventByID[he.id]
		if !ok {
			continue
		}
		evNode := tracker.EventNode(clue.StageExpand, hop, "", clue.EventRef{
			ID: ev.ID, Title: ev.Title, Summary: ev.Summary, Category: ev.Category,
		})
		for _, r := range eventEntities[he.id] {
			node := clue.EntityNode(r.EntityID, r.EntityName, r.EntityType, "")
			if _, ok := frontier[r.EntityID]; ok {
				tracker.Add(clue.StageExpand, node, evNode, he.jump, "expanded_event", clue.LevelIntermediate,
					map[string]any{"hop": hop})
			} else {
				tracker.Add(clue.StageExpand, evNode, node, he.jump, "expanded_entity", clue.LevelIntermediate,
					map[string]any{"hop": hop})
			}
		}
	}
	return nil
}

// emitFinalClues emits final-level clues for the aggregated key set using
// the same split pattern, plus a leaf clue for entities that never
// expanded further.
func (e *Engine) emitFinalClues(ctx context.Context, tracker *clue.Tracker, keyFinal []store.RankedEntity, expandedFrom map[int64]struct{}) error {
	var eventIDs []int64
	for _, k := range keyFinal {
		if k.Parent != nil {
			eventIDs = append(eventIDs, k.Parent.EventID)
		}
	}
	eventByID := make(map[int64]store.Event)
	if len(eventIDs) > 0 {
		events, err := e.storage.GetEventsByIDs(ctx, eventIDs)
		if err != nil {
			return fmt.Errorf("expand: fetching events for final clues: %w", err)
		}
		for _, ev := range events {
			eventByID[ev.ID] = ev
		}
	}

	for _, k := range keyFinal {
		node := clue.EntityNode(k.EntityID, k.Name, k.Type, "")
		if k.Parent != nil {
			ev, ok := eventByID[k.Parent.EventID]
			if !ok {
				continue
			}
			evNode := tracker.EventNode(clue.StageExpand, k.Hop, "", clue.EventRef{
				ID: ev.ID, Title: ev.Title, Summary: ev.Summary, Category: ev.Category,
			})
			parentNode := clue.EntityNode(k.Parent.EntityID, "", "", "")
			if p := findEntity(keyFinal, k.Parent.EntityID); p != nil {
				parentNode = clue.EntityNode(p.EntityID, p.Name, p.Type, "")
			}
			tracker.Add(clue.StageExpand, parentNode, evNode, k.Parent.EventWeight, "expanded_event", clue.LevelFinal,
				map[string]any{"hop": k.Hop})
			tracker.Add(clue.StageExpand, evNode, node, k.Weight, "expanded_entity", clue.LevelFinal,
				map[string]any{"hop": k.Hop})
			continue
		}
		if _, ok := expandedFrom[k.EntityID]; !ok {
			tracker.Add(clue.StageExpand, node, node, k.Weight, "recall_no_expansion", clue.LevelFinal, nil)
		}
	}
	return nil
}

func findEntity(keys []store.RankedEntity, id int64) *store.RankedEntity {
	for i := range keys {
		if keys[i].EntityID == id {
			return &keys[i]
		}
	}
	return nil
}
