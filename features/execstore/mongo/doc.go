// Package mongo provides MongoDB-backed persistence for routine executions.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain an execstore.Store that persists execution records and per-node
// timelines. Register the store on the runtime hook bus via
// execstore.NewSubscriber.
package mongo
