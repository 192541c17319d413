// Package adapters provides the built-in engine.Adapter implementations.
//
// Raw file content reaches the chain as []byte with the source format recorded
// under engine.SourceFormatKey in the metadata. The format adapters turn those
// bytes into a map, which the Map adapter then normalizes into an
// engine.Dictionary:
//
//	chain, err := adapters.Default(adapters.Options{})
//	props, err := chain.Reduce(engine.Dictionary{engine.SourceFormatKey: "yaml"}, []byte("port: 8080"))
//
// Supported formats are yaml, yml, json, cue, star and wasm. Strings are
// converted to bytes first, and Go structs are converted through their yaml tags.
package adapters
