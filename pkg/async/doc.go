// Package async runs background work with panic recovery and timeouts.
//
// Background tracks fire-and-forget tasks such as best-effort blob cleanup
// and invalidation publishing so that shutdown and tests can wait for them:
//
//	bg := async.NewBackground(log)
//	bg.Go(ctx, 10*time.Second, "blob cleanup", func(ctx context.Context) error {
//		return transport.Delete(ctx, key)
//	})
//	bg.Wait()
//
// Batch fans a slice out to a bounded number of goroutines and collects every
// error.
package async
