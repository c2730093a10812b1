// Package config handles loading and validating sensemap-core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with SENSEMAP_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Secrets (MQTT password, InfluxDB token, notification URLs) should be set
// through the environment rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
