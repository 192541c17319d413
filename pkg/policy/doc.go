// Package policy provides Open Policy Agent (OPA) admission for configuration updates.
//
// An Engine compiles Rego policies and implements engine.Admission, so the
// configuration manager can consult it before an update command is enqueued.
// Every policy defines a deny set; each element is either a message string or
// an object with message, severity and key fields. Violations with severity
// error or critical deny the update, anything else is logged as a warning.
//
// # Built-in Policies
//
//   - pid-format: pids and factory pids are dot separated names and factory
//     instance names contain no path separators or whitespace
//   - reserved-keys: service.pid and service.factoryPid must match the target
//     identity; unknown confman. keys produce a warning
//
// # Input
//
// Policies see the resolved update as input:
//
//	{
//	  "identity": {"key": "org.example.pool~main", "factory_pid": "org.example.pool",
//	               "factory_instance": "main", "factory": true},
//	  "properties": {"size": 4, "confman.source": "etc"},
//	  "context": {"operation": "update", "source": "etc"}
//	}
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/confman/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//	manager, err := engine.NewManager(chain, queue, engine.ManagerOptions{Admission: pe})
//
// User policies are loaded from .rego files (severity error, named after the
// file) or .json policy definitions. Watch reloads them when the files change;
// a reload that fails to compile keeps the previous set.
package policy
