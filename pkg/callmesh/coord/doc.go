// Package coord provides cooperative locking and liveness tracking across
// logical instances that talk only through the message system.
//
// Every Manager registers the component "sync:<instance>" in a
// message.System, joins the group "sync" and subscribes to the channel
// "sync.heartbeat". One instance is the coordinator and owns the lock
// table; the others send it lock.request, lock.release and lock.cancel
// messages and receive lock.grant, lock.released, lock.denied and
// lock.expired in return. A Manager with no message system, or one that is
// itself the coordinator, handles its own requests locally.
//
// Locks are held by instances, not goroutines: a second AcquireLock from
// the instance already holding a resource renews it.
//
// Basic usage:
//
//	mgr, err := coord.New(coord.Config{InstanceID: "editor-1", Messages: sys})
//	if err != nil {
//	    return err
//	}
//	defer mgr.Dispose()
//
//	lock, err := mgr.AcquireLock(ctx, "diagram:42")
//	if err != nil {
//	    return err // LockTimeout after the retry budget
//	}
//	defer mgr.ReleaseLock(ctx, lock.Resource)
//
// Grants carry a timeout. The coordinator releases expired locks, calls
// OnExpire on the holder and announces the expiry to the group. Instances
// whose heartbeats stop are marked inactive after HeartbeatTimeout, and
// the coordinator reclaims their locks unless RetainOnHeartbeatLoss is set.
package coord
