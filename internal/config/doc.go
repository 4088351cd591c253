/*
Package config holds the ConfigurationRecord consumed once at installation.

Values are layered: compiled-in defaults from NewDefault, then a YAML file
(LoadFromFile), then SQLITEVFS_* environment variables (LoadFromEnv). Validate must
pass before the record is handed to the install package; it returns InvalidConfig
errors from pkg/errors.

Example file:

	global:
	  log_level: INFO
	  log_format: json
	pool:
	  enabled: true
	  name: opfs-sahpool
	  directory: /var/lib/app/sahpool
	  initial_capacity: 20
	  reset_on_init: false
	relaxed:
	  enabled: true
	  name: relaxed-idb
	  block_size: 8KiB
	  flush_interval: 500ms
	  store:
	    type: sqlite
	    sqlite:
	      path: /var/lib/app/relaxed.sqlite
	  codec:
	    algorithm: snappy
	metrics:
	  enabled: true
	  address: 127.0.0.1:9090
	  path: /metrics

`vfsctl serve` mounts the health report at /health on the same address.

Block sizes are human byte strings parsed with go-humanize ("4KiB", "8192").
*/
package config
