// Package registry provides the keyed and slot-based tables that callmesh
// components keep their registrations in.
//
// # Keyed Registry
//
// Registry is a thread-safe map for read-heavy lookups such as components
// by id or schemas by message type:
//
//	schemas := registry.New[string, Schema]()
//	schemas.Register("ping", pingSchema)
//
//	s, ok := schemas.Get("ping")
//
// # Arena
//
// Arena stores values in slots addressed by ids from a monotonic
// IDAllocator. Ids are never reused, even after the slot is freed, so a
// stale id can never reach a newer registration:
//
//	handlers := registry.NewArena[*entry]()
//	id := handlers.InsertWith(func(id registry.ID) *entry {
//	    return &entry{id: id, name: "double"}
//	})
//	handlers.Remove(id)
//
// Snapshot returns entries in allocation order, which callers use as the
// tie-breaker when ordering by priority.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Range and Snapshot work on
// copies, so mutating the table from inside an iteration is allowed.
package registry
