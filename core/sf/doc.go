// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// Single-flight ensures that only one execution of a function is in-flight
// for a given key at a time. If multiple goroutines call [Singleflight.Do]
// with the same key concurrently, only the first call executes the function;
// subsequent callers block until the first call completes and then receive
// the same result.
//
// The snapshot store uses this to collapse concurrent cold loads of the
// same stream into a single backing read.
//
//	sf := sf.New[Snapshot]()
//
//	snap, err := sf.Do(streamID, func() (*Snapshot, error) {
//	    return loadFromStore(ctx, streamID)
//	})
//
// The generic type parameter T allows type-safe returns without casting.
package sf
