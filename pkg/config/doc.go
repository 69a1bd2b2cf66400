// Package config loads the process settings of the sequencer.
//
// Settings are read from a YAML file, or from a CUE file validated against a
// closed schema, over built-in defaults:
//
//	engine:
//	  max_depth: 32
//	  join_timeout: 10m
//	  selection_timeout: 10s
//	store:
//	  path: /var/lib/sequencer/history.db
//	policy:
//	  paths: [/etc/sequencer/policies]
//	ssh:
//	  known_hosts: ~/.ssh/known_hosts
//	telemetry:
//	  logging: {level: debug, format: json}
//	  metrics: {enabled: true, listen_address: ":9090"}
//
// SEQUENCER_DB, SEQUENCER_POLICY_PATH and AWS_REGION override the file;
// LOG_LEVEL overrides the log level.
package config
