package relay

import "github.com/chatmesh/relay/state"

// Config is the process-wide configuration, loaded once at startup from the
// environment. None of it affects core behavior beyond the session TTL.
type Config struct {
	BindAddr   string `env:"RELAY_BIND_ADDR" envDefault:":8082"`
	CORSOrigin string `env:"RELAY_CORS_ORIGIN" envDefault:"*"`
	Debug      bool   `env:"RELAY_DEBUG"`

	Storage state.Config
}
