// Package ids mints the time-ordered 128-bit identifiers used throughout the
// gateway: inferences, episodes, feedback, datapoints and individual
// model-level inference attempts all share the same UUIDv7 shape so that
// lexical order matches creation order.
package ids

import (
	"github.com/google/uuid"
)

// InferenceID identifies one call to /inference (or an OpenAI-compatible
// chat completion routed through the gateway).
type InferenceID uuid.UUID

// EpisodeID groups a causal chain of inferences together.
type EpisodeID uuid.UUID

// ModelInferenceID identifies a single provider-level request/response pair
// underneath an InferenceID (one per retry/fallback attempt).
type ModelInferenceID uuid.UUID

// FeedbackID identifies one feedback submission.
type FeedbackID uuid.UUID

// DatapointID identifies one row in a dataset.
type DatapointID uuid.UUID

func (id InferenceID) String() string      { return uuid.UUID(id).String() }
func (id EpisodeID) String() string        { return uuid.UUID(id).String() }
func (id ModelInferenceID) String() string  { return uuid.UUID(id).String() }
func (id FeedbackID) String() string       { return uuid.UUID(id).String() }
func (id DatapointID) String() string      { return uuid.UUID(id).String() }

func (id InferenceID) IsZero() bool     { return id == InferenceID{} }
func (id EpisodeID) IsZero() bool       { return id == EpisodeID{} }
func (id ModelInferenceID) IsZero() bool { return id == ModelInferenceID{} }

// newV7 mints a UUIDv7. google/uuid's NewV7 already serializes timestamp
// generation behind its own package-level lock and bumps the sub-millisecond
// counter when two calls land in the same tick, so identifiers minted
// back-to-back on this process are strictly increasing without this package
// adding a second clock on top.
func newV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the runtime's entropy source is broken;
		// fall back to a random v4 rather than panic on a hot request path.
		return uuid.New()
	}
	return id
}

// NewInferenceID mints a fresh inference identifier.
func NewInferenceID() InferenceID { return InferenceID(newV7()) }

// NewEpisodeID mints a fresh episode identifier.
func NewEpisodeID() EpisodeID { return EpisodeID(newV7()) }

// NewModelInferenceID mints a fresh model-inference identifier.
func NewModelInferenceID() ModelInferenceID { return ModelInferenceID(newV7()) }

// NewFeedbackID mints a fresh feedback identifier.
func NewFeedbackID() FeedbackID { return FeedbackID(newV7()) }

// NewDatapointID mints a fresh datapoint identifier.
func NewDatapointID() DatapointID { return DatapointID(newV7()) }

// ParseEpisodeID parses a client-supplied episode ID, as accepted by the
// /inference endpoint when continuing an existing episode.
func ParseEpisodeID(s string) (EpisodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EpisodeID{}, err
	}
	return EpisodeID(u), nil
}

// ParseInferenceID parses a client-supplied inference ID, e.g. the
// inference_id named in a /feedback request.
func ParseInferenceID(s string) (InferenceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InferenceID{}, err
	}
	return InferenceID(u), nil
}
