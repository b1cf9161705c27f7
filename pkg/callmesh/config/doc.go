/*
Package config loads callmesh settings from YAML or JSON.

# Overview

Config wraps a map[string]any and provides typed accessors that fall back
to a default when a key is missing or holds the wrong type. Settings is the
typed view the runtime is built from.

	cfg, err := config.FromFile("callmesh.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	settings, err := cfg.Settings()

# Keys

Keys may sit at the top level or inside a section named after the
component they configure ("scheduler", "callbacks", "events", "messages",
"sync"). A key inside a section wins over the same key at the top level,
so one file can set historySize differently for callbacks and events:

	maxConcurrent: 8
	historySize: 200
	events:
	  historySize: 50
	  enableWildcards: false
	messages:
	  historyDriver: sqlite
	  historyDSN: ./messages.db
	sync:
	  instanceId: editor-1
	  heartbeatInterval: 2s

# Durations

Durations accept Go duration strings ("250ms", "1m30s"). Plain numbers
are milliseconds, matching how timeouts are usually written by UI code.
*/
package config
