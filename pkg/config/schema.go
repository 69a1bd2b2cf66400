package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// settingsSchema constrains CUE settings files. Unknown fields are rejected
// because #Settings is closed.
const settingsSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Settings: {
	engine?: {
		max_depth?:         int & >=1 & <=1024
		join_timeout?:      #Duration
		selection_timeout?: #Duration
	}
	store?: {
		path?:     string
		disabled?: bool
	}
	policy?: {
		paths?: [...string]
		disabled?: bool
	}
	ssh?: {
		connection_timeout?:       #Duration
		command_timeout?:          #Duration
		known_hosts?:              string
		strict_host_key_checking?: bool
	}
	s3?: region?: string
	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error"
			format?: "console" | "json"
			output?: string
			caller?: bool
		}
		tracing?: {
			enabled?:        bool
			exporter?:       "otlp" | "stdout" | "none"
			endpoint?:       string
			sampling_rate?:  number & >=0 & <=1
			export_timeout?: #Duration
			headers?: [string]: string
			insecure?: bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           string
			namespace?:      string
			buckets?: [...number]
		}
	}
}
`

// cue.Context is not safe for concurrent use.
var (
	cueMu  sync.Mutex
	cueCtx = cuecontext.New()
)

// cueToYAML checks a CUE settings file against the schema and renders it as
// YAML for decoding.
func cueToYAML(path string, data []byte) ([]byte, error) {
	cueMu.Lock()
	defer cueMu.Unlock()

	schema := cueCtx.CompileString(settingsSchema, cue.Filename("settings-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile settings schema: %w", err)
	}

	val := cueCtx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, err
	}

	val = schema.LookupPath(cue.ParsePath("#Settings")).Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}

	return cueyaml.Encode(val)
}
