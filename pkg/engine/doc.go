// Package engine provides the configuration synchronization engine of confman.
//
// # Overview
//
// The engine keeps a ConfigurationStore synchronized with external sources:
//
//  1. Scanner - polls a Source, diffs consecutive snapshots, notifies listeners
//  2. Dispatcher - turns each ChangeSet into Manager calls
//  3. Manager - runs the strategy, the AdapterChain and admission, then enqueues a Command
//  4. CommandQueue - applies commands to the store in order on a single worker
//
// # Identities
//
// A configuration is addressed either by pid (PIDStrategy) or by factory pid
// plus instance name (FactoryStrategy). Identity.Key gives the string used in
// snapshots and change sets:
//
//	engine.NewPIDIdentity("org.example.http", "").Key()               // org.example.http
//	engine.NewFactoryIdentity("org.example.pool", "db", "").Key()     // org.example.pool~db
//
// # Adapters
//
// Source objects are reduced to a Dictionary by an AdapterChain. Adapters are
// queried in registration order and the first match wins:
//
//	chain := engine.NewAdapterChain(
//	    engine.NewAdapter("dictionary", engine.ObjectOfType[engine.Dictionary](),
//	        func(obj interface{}) (interface{}, error) { return obj.(engine.Dictionary).Clone(), nil }),
//	)
//	props, err := chain.Reduce(metadata, object)
//
// A reduction stops when an adapter yields a Dictionary. It fails when no
// adapter matches, an adapter returns nil, the object type does not change,
// a type comes back a second time, or len(adapters)+1 steps were taken.
//
// # Consistency
//
// Manager calls return once the command is queued. The store reflects the
// change after the queue worker applied it; CommandQueue.Wait blocks until then.
// Failed commands are logged and discarded, never retried.
//
// # Error Handling
//
// Errors are classified as EngineError values (transient, throttled, conflict,
// permanent) with codes such as VALIDATION_ERROR or NO_ADAPTER:
//
//	if engine.IsPermanent(err) && engine.ErrorCode(err) == engine.ErrCodeValidation {
//	    // bad arguments
//	}
package engine
