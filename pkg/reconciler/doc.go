/*
Package reconciler keeps a warm pool of pre-provisioned sessions for every
project.

A pooled session is fully provisioned but unclaimed. Session creation first
tries to claim one; a claim is a single storage transaction, so two callers
can never receive the same session. Every successful claim triggers a
background reconciliation that refills the pool.

# Convergence

A reconciliation cycle repeatedly reads the pooled count of the project and
takes one step toward the configured target:

	┌──────────────────────────────┐
	│  count := CountPooledSessions│◀──────────────┐
	└──────────────┬───────────────┘               │
	               │                               │
	     ┌─────────┼─────────────┐                 │
	     ▼         ▼             ▼                 │
	  count==T   count<T       count>T             │
	  settled    create one    drain oldest        │
	             (backoff on   count-T sessions    │
	              failure)                         │
	               │             │                 │
	               └─────────────┴─────────────────┘

The loop runs at most max(10, 2*T) iterations. Consecutive creation failures
sleep for min(base*2^(n-1), cap) between attempts and a success resets the
counter. A cycle that runs out of iterations reports
OutcomeCompletedWithErrors; a cycle that exceeds the configured timeout is
abandoned and reports OutcomeTimeout.

# Single flight

At most one cycle runs per project. Callers that arrive while a cycle is in
flight join it through a singleflight.Group keyed by project id and receive
the same *Result. The key is released when the cycle returns, including on
timeout. A timed out loop may still be inside a runtime call, so the next
cycle waits for it to exit before converging and reports OutcomeTimeout if
it does not exit in time.

Draining moves a session from pooled to deleting in one store transaction
before tearing it down. A session claimed after the pool was listed is
skipped.

# Usage

	rec := reconciler.NewReconciler(store, prov, cleaner, ctrl, broker, reconciler.Config{
		TargetSize: 2,
		Interval:   time.Minute,
	})
	rec.Start()
	defer rec.Stop()

	sess, err := rec.Claim(ctx, projectID)
	if err != nil {
		return err
	}
	if sess == nil {
		// pool empty or disabled; provision from scratch
	}

A TargetSize of zero disables pooling entirely: Claim returns nil without
touching storage and no reconciliation is triggered.
*/
package reconciler
