// Package config loads the agent configuration from YAML.
//
// Values are layered: defaults, then the file, then GRAYLOGIC_AGENT_*
// environment variables. Credentials (MQTT password, InfluxDB token, JWT
// secret) are best supplied through the environment so the file can stay
// world-readable inside the deployment image.
//
//	cfg, err := config.Load("configs/agent.yaml")
//	if err != nil {
//	    return err
//	}
//	log.Info("loaded", "client_id", cfg.ClientID())
package config
