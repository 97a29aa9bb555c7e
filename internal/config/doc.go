// Package config loads and validates the leasing-gateway YAML configuration.
//
// # File format
//
// Configuration is a single YAML file:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "./leasing.db"
//
//	ai:
//	  api_key: "${OPENAI_API_KEY}"
//	  base_url: ""            # OpenAI-compatible endpoint, empty for default
//	  model: "gpt-4o-mini"
//	  timeout: "45s"          # per-request HTTP timeout
//	  generation_timeout: "30s"
//
//	auth:
//	  jwt_secret: "${JWT_SECRET}"
//
//	logging:
//	  level: "info"           # debug | info | warn | error
//	  format: "text"          # text | json
//
// # Environment variable expansion
//
// ${VAR_NAME} patterns anywhere in the file are replaced with the value of
// the named environment variable before parsing. Unset variables expand to
// the empty string, so required fields fed from the environment fail
// validation loudly instead of silently defaulting.
//
// # Durations
//
// Duration fields are written as Go duration strings ("30s", "5m") and
// parsed after unmarshaling.
package config
