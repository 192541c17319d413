// Package config loads the confman daemon configuration.
//
// Configuration files are YAML, JSON or CUE, picked by extension. Every
// document is unified with a built-in CUE schema (#Config) before it is
// decoded, so unknown fields, malformed durations and out of range values are
// reported with their position. The decoded Config is then checked with
// go-playground/validator struct tags for the cross-field rules (an sftp
// source needs ssh settings, an otlp exporter needs an endpoint, source names
// are unique).
//
// # Example
//
//	sources:
//	  - name: etc
//	    type: directory
//	    path: /etc/confman
//	    interval: 30s
//	    watch: true
//	  - name: edge
//	    type: sftp
//	    path: /srv/confman
//	    ssh:
//	      host: edge.example.com
//	      user: deploy
//	      auth_method: agent
//	store:
//	  driver: sqlite
//	  path: /var/lib/confman/confman.db
//	policy:
//	  enabled: true
//	  paths: [/etc/confman/policies]
//	  watch: true
//	queue:
//	  apply_timeout: 30s
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//	  metrics:
//	    enabled: true
//	    address: ":9090"
//
// The same document in CUE can use references and hidden fields:
//
//	_root: "/etc/confman"
//	sources: [{name: "etc", type: "directory", path: _root}]
//
// Sections missing from a file keep the values of Default, except sources:
// a file without sources configures none.
package config
