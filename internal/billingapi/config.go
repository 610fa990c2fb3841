package billingapi

import "time"

// Config carries the HTTP facade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	AuthSigningKey string
	AuthIssuer     string
	RequestTimeout time.Duration
}

func (config Config) withDefaults() Config {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return config
}
