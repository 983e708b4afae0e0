// Package config handles loading and validating Garden Core agent configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The only values that matter to the session core are the backend API
// origin, the push (WebSocket or MQTT) origin, and the second-factor
// delivery methods. Everything else tunes the local agent around it.
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Backend.APIOrigin)
package config
