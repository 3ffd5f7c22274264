package redirector

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/vnat-project/vnat/pkg/flow"
)

// cleanUp is the sole authority for tearing down a TCP flow's RxState,
// TxState, and StreamWorker together (spec invariant 6, §9 "Per-flow
// clean-up"). Idempotent: a key with no admitted flow is a no-op.
func (r *Redirector) cleanUp(ctx context.Context, key flow.Key) {
	r.mu.Lock()
	fl, ok := r.flows[key]
	if ok {
		delete(r.flows, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	var result *multierror.Error
	if err := fl.worker.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	r.fwd.RemoveFlow(key)
	if result != nil {
		dlog.Errorf(ctx, "redirector: %s clean up: %v", key, result)
	}
}
