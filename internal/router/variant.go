package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/ids"
)

// ErrNoEligibleVariants is returned when a function has no variant with a
// positive weight and no variant was pinned.
var ErrNoEligibleVariants = fmt.Errorf("router: function has no eligible variants")

// ErrVariantNotFound is returned when a caller pins a variant name that
// does not exist on the function.
type ErrVariantNotFound struct {
	Function, Variant string
}

func (e *ErrVariantNotFound) Error() string {
	return fmt.Sprintf("router: variant %q not found on function %q", e.Variant, e.Function)
}

// episodeMemory records the variant chosen for the first inference of an
// episode so later inferences in the same episode reuse it. Scoped to
// process memory only: an episode is just a shared id stamped across
// inference rows, not a stored entity, so there is nothing durable to load
// this from on restart.
type episodeMemory struct {
	mu    sync.Mutex
	stick map[string]map[ids.EpisodeID]string // function -> episode -> variant
}

func newEpisodeMemory() *episodeMemory {
	return &episodeMemory{stick: make(map[string]map[ids.EpisodeID]string)}
}

func (m *episodeMemory) recall(function string, episode ids.EpisodeID) (string, bool) {
	if episode.IsZero() {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.stick[function][episode]
	return v, ok
}

func (m *episodeMemory) remember(function string, episode ids.EpisodeID, variant string) {
	if episode.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stick[function] == nil {
		m.stick[function] = make(map[ids.EpisodeID]string)
	}
	m.stick[function][episode] = variant
}

// SelectVariant picks the variant for this invocation: a pinned name wins
// outright, otherwise an episode that already picked a variant reuses it,
// otherwise a fresh weighted-random draw over variants with weight > 0.
func (r *Router) SelectVariant(function string, fn config.FunctionConfig, pinned string, episode ids.EpisodeID, stickyOptOut bool) (string, config.VariantConfig, error) {
	if pinned != "" {
		v, ok := fn.Variants[pinned]
		if !ok {
			return "", config.VariantConfig{}, &ErrVariantNotFound{Function: function, Variant: pinned}
		}
		return pinned, v, nil
	}

	if !stickyOptOut {
		if name, ok := r.episodes.recall(function, episode); ok {
			if v, ok := fn.Variants[name]; ok {
				return name, v, nil
			}
		}
	}

	names := make([]string, 0, len(fn.Variants))
	var total float64
	for name, v := range fn.Variants {
		if v.Weight > 0 {
			names = append(names, name)
			total += v.Weight
		}
	}
	if len(names) == 0 {
		return "", config.VariantConfig{}, ErrNoEligibleVariants
	}

	// Deterministic iteration order for the draw: sort isn't needed for
	// correctness (weights already make this order-independent in
	// distribution) but map iteration order is randomized per-run in Go, so
	// sort to keep the draw reproducible given the same rand source.
	sort.Strings(names)
	draw := rand.Float64() * total
	var cursor float64
	chosen := names[len(names)-1]
	for _, name := range names {
		cursor += fn.Variants[name].Weight
		if draw < cursor {
			chosen = name
			break
		}
	}

	r.episodes.remember(function, episode, chosen)
	return chosen, fn.Variants[chosen], nil
}
