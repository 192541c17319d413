/*
Package sources provides the configuration sources scanned by the engine.

A Directory source reads a configuration root, locally or over SFTP:

	<root>/services/org.example.http.yaml        -> pid org.example.http
	<root>/factories/org.example.pool-db.json    -> factory org.example.pool, instance db

The file extension selects the adapter used to turn the content into
properties, so a single root can mix YAML, JSON, CUE, Starlark and WASM files.

	chain, _ := adapters.Default(adapters.Options{})
	dir, err := sources.NewDirectory("/etc/confman", sources.DirectoryOptions{Chain: chain})

A Registry is an in-process source that applications feed directly. Pairing it
with Registry.OnChange(scanner.Trigger) makes registrations visible without
waiting for the next poll. Watcher does the same for a local Directory.
*/
package sources
