// Package config handles loading and validating telemetry bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML or TOML files
//   - Loading a local .env file for development
//   - Overriding with TELEMETRY_* environment variables
//   - Validation of required fields and credentials
//
// Security Considerations:
//   - Broker passwords, SAS tokens and device keys should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("TELEMETRY_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Topic)
package config
