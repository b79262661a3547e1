/*
Package config loads kube9 configuration with viper.

Values come from, in increasing precedence: built-in defaults, an optional
YAML (or any viper-supported) file, environment variables prefixed with
KUBE9_ where dots become underscores, and command line flags bound by the
CLI.

	health:
	  heartbeat_interval: 60s
	  missed_threshold: 180s
	  max_attempts: 3

is the same as

	KUBE9_HEALTH_HEARTBEAT_INTERVAL=60s
	KUBE9_HEALTH_MISSED_THRESHOLD=180s
	KUBE9_HEALTH_MAX_ATTEMPTS=3
*/
package config
