// Package config loads and validates the client configuration.
//
// The configuration lives in mtproto.yaml (or a .json file). Every key
// can be overridden from the environment with the MTPROTO_ prefix and
// the key path joined by underscores, for example MTPROTO_STORAGE_DSN.
//
// # Configuration File Structure
//
//	apiId: 12345
//	testMode: false
//	dc:
//	  id: 2
//	  address: 149.154.167.50
//	  port: 443
//	transport: obfuscated
//	connections:
//	  main: 1
//	  download: 2
//	keepAlive:
//	  interval: 60s
//	  idle: 15m
//	serverKeys:
//	  - keys/server.pem
//	storage:
//	  driver: sql
//	  dialect: postgres
//	  dsn: postgres://mtproto@localhost/mtproto?sslmode=disable
//	log:
//	  level: debug
//	  format: json
//
// # Usage
//
//	cfg, err := config.LoadFile("mtproto.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
