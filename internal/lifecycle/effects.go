package lifecycle

import (
	"context"
	"sync"
	"time"
)

// effectRunner detaches webhook/alert delivery from the transition that
// triggered it. Side effects run on their own goroutine with a fresh bounded
// context, so a dying request context cannot abort delivery and a slow
// endpoint cannot block or fail the transition.
type effectRunner struct {
	wg sync.WaitGroup
}

const effectTimeout = 30 * time.Second

func (r *effectRunner) run(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (r *effectRunner) wait() {
	r.wg.Wait()
}
