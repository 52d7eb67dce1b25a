// Package config handles configuration loading for moltis-gateway.
//
// Configuration is loaded from a YAML file with ${VAR_NAME} environment
// variable expansion and Go duration-string parsing. See Load for the
// lookup rules and Validate for the required fields.
//
// Example:
//
//	server:
//	  http_addr: "127.0.0.1:8089"
//	database:
//	  path: "~/.local/share/moltis/gateway.db"
//	auth:
//	  token_secret: "${MOLTIS_TOKEN_SECRET}"
//	providers:
//	  - id: "openai"
//	    kind: "openai"
//	    model: "gpt-4o"
//	    api_key: "${OPENAI_API_KEY}"
//	    vision: true
//	    tools: true
//	chat:
//	  approval_timeout: "120s"
//	  run_timeout: "10m"
package config
