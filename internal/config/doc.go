// Package config loads the sessiongate configuration.
//
// # File Formats
//
// The file is YAML unless its name ends in .toml. ${VAR} references anywhere
// in the file are replaced with the environment variable's value before
// parsing.
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  driver: sqlite        # sqlite | sqlite3 | memory
//	  path: "./sessiongate.db"
//	auth:
//	  jwt_secret: "${SESSIONGATE_JWT_SECRET}"
//	runtime:
//	  address: "localhost:50061"
//	  timeout: "2m"
//	stream:
//	  queue_size: 32
//	  keepalive: "15s"
//	  flush_timeout: "5s"
//	events:
//	  kafka:
//	    enabled: false
//	    brokers: ["localhost:9092"]
//	    topic: "sessiongate.events"
//	agents:
//	  - agent_id: "support"
//	    display_name: "Support"
//	agents_file: "agents.jsonc"
//
// # Environment Overrides
//
// After the file is read, SESSIONGATE_<SECTION>_<FIELD> variables override
// single settings, for example SESSIONGATE_SERVER_HTTP_ADDR,
// SESSIONGATE_DATABASE_PATH, SESSIONGATE_RUNTIME_TIMEOUT or
// SESSIONGATE_EVENTS_KAFKA_BROKERS (comma separated).
//
// # Agents
//
// Agents come from the file's agents list, from agents_file (a JSON array
// that may contain comments), and from SESSIONGATE_AGENTS (a JSON array).
// Entries are concatenated in that order; agent ids must be unique.
package config
