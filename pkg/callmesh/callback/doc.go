// Package callback provides the callback registry: named or identified
// handlers invoked with a timeout, a call-depth guard, and a bounded call
// history.
//
// # Registering and Invoking
//
//	reg := callback.NewRegistry(callback.DefaultConfig)
//	defer reg.Dispose()
//
//	reg.Register("double", callback.HandlerFunc(func(ctx context.Context, args []any) (any, error) {
//	    return args[0].(int) * 2, nil
//	}))
//
//	v, err := reg.Invoke(ctx, callback.ByName("double"), []any{21}) // 42
//
// Several registrations may share a name. Invoking the name runs all of
// them in descending priority order and returns their results as []any.
// Invoking a name or id that resolves to nothing returns (nil, nil).
//
// # Failures
//
// Handler errors and panics are caught at the registry boundary and
// returned as *errors.Error values carrying a stable code. Registered
// error handlers are notified synchronously; their panics are recovered.
// With Config.SwallowErrors set, Invoke reports failures only to error
// handlers and returns (nil, nil); InvokeAsync always rejects.
//
// # Call Depth
//
// Each invocation records its depth in the context passed to the handler.
// A handler that invokes the registry again with that context nests one
// level deeper; exceeding Config.MaxDepth fails with CallStackExceeded.
package callback
