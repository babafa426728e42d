package core

import (
	"context"

	"github.com/sipstack/siptx/sip"
)

// Default is the package-level Registry/LoopIndex/Pipeline trio backing the
// embedding-level RegisterHandler/IsLoopDetected functions. Applications
// that want more than one independent pipeline in a process can build their
// own Registry/LoopIndex/Pipeline instead of using these.
var Default = NewPipeline(NewRegistry(), NewLoopIndex())

// RegisterHandler registers handler against Default's registry, matching
// every request (use Default.Registry.Register directly for a predicate
// narrower than Any).
func RegisterHandler(ctx context.Context, handler UasHandler) error {
	return Default.Registry.Register(ctx, Any, handler)
}

// IsLoopDetected reports whether req looks like a looped request according
// to Default's loop index.
func IsLoopDetected(req *sip.Request) bool {
	return Default.LoopIndex.IsLoop(req)
}

// HandleRequest dispatches req/tx through Default.
func HandleRequest(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	Default.HandleRequest(ctx, req, tx)
}
