package config

// schemaSource is the CUE schema every configuration document is unified with.
// Every field outside secrets and catalog has a default.
const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Asset: {
	id: string & !=""
	address: {
		type: string & !=""
		properties?: [string]: string
	}
}

#Agreement: {
	contract_id:  string & !=""
	asset_id:     string & !=""
	consumer_id?: string
	provider_id?: string
	signed_at?:   string
	policy?: {...}
	policy_file?: string
}

#Script: {
	name: string & !=""
	path: string & !=""
	role: "consumer" | "provider"
}

#Config: {
	connector: {
		participant_id: *"urn:connector:local" | string & !=""
		name:           *"connector" | string
		environment:    *"development" | "staging" | "production"
	}

	store: path: *"connector.db" | string & !=""

	manager: {
		worker_id:                 *"" | string
		workers:                   *4 | int & >=1
		batch_size:                *16 | int & >=1
		poll_interval:             *"1s" | #Duration
		lease_duration:            *"30s" | #Duration
		max_retries:               *5 | int
		base_backoff:              *"1s" | #Duration
		max_backoff:               *"1m" | #Duration
		provision_timeout:         *"5m" | #Duration
		deprovision_on_completion: *false | bool
	}

	sweeper: {
		lease_schedule:  *"@every 30s" | string
		expiry_schedule: *"@every 1m" | string
		job_timeout:     *"30s" | #Duration
	}

	policy: {
		paths: *[] | [...string]
		watch: *false | bool
	}

	provisioning: {
		call_timeout: *"30s" | #Duration
		queue_size:   *256 | int & >=1
		edr: {
			enabled:         *true | bool
			endpoint:        *"http://localhost:8185/public" | string
			issuer:          *"connector" | string
			ttl:             *"1h" | #Duration
			signing_key_ref: *"" | string
		}
		oauth2: enabled: *true | bool
		http: {
			enabled:          *false | bool
			callback_address: *"" | string
		}
		sftp: {
			enabled:          *false | bool
			host:             *"" | string
			port:             *22 | int & >=1 & <=65535
			user:             *"" | string
			private_key_path:     *"" | string
			private_key_ref:      *"" | string
			known_hosts_path:     *"" | string
			host_key_fingerprint: *"" | =~"^SHA256:"
			base_path:            *"/staging" | string
		}
		plugin_dir: *"" | string
		scripts:    *[] | [...#Script]
	}

	notify: amqp: {
		enabled:  *false | bool
		url:      *"" | string
		exchange: *"transfer.events" | string
	}

	telemetry: {
		log_level:        *"info" | "trace" | "debug" | "warn" | "error"
		log_format:       *"console" | "json"
		tracing_enabled:  *false | bool
		tracing_exporter: *"stdout" | "otlp" | "none"
		tracing_endpoint: *"" | string
		metrics_enabled:  *false | bool
		metrics_address:  *":9464" | string
	}

	secrets: [string]: string

	catalog: {
		assets:     *[] | [...#Asset]
		agreements: *[] | [...#Agreement]
	}
}
`
