package stage

import (
	"context"

	"loom/internal/gate"
	"loom/internal/queue"
)

// Handler describes the contract the workflow manager needs from each
// pipeline stage. Execute writes its result payload to the artifact store
// before returning so a crash between execution and gating is resumable
// without recomputation; the returned assessment feeds the quality gate.
type Handler interface {
	Prepare(context.Context, *queue.Item) error
	Execute(context.Context, *queue.Item) (gate.Assessment, error)
	HealthCheck(context.Context) Health
}
