package engine

import (
	"github.com/ironvale/iotcore/hook"
	"github.com/ironvale/iotcore/session"
	"github.com/ironvale/iotcore/store"
	"github.com/ironvale/iotcore/topic"
)

// Registries is the explicit, owned-by-reference shared state the broker
// threads through every session, per the design note's "no package-level
// globals" ask: Clients is the durable session store, Topics is the live
// subscription index, Hooks carries the authentication/authorization/
// rate-limit chain (the design note's `Users *auth.Store` becomes a
// hook.Manager here since auth is expressed as hooks, not a standalone
// store, in this codebase), and Retained backs retained-message lookup.
type Registries struct {
	Clients  *session.Manager
	Topics   *topic.Router
	Hooks    *hook.Manager
	Retained *store.RetainedStore
}

