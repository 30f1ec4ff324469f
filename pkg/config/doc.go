/*
Package config loads keyspace node configuration from a YAML file.

Default() returns every knob at its documented default — the migration
engine's n_migrate_threads, migrate_xmit_hwm/lwm, migrate_xmit_priority/sleep,
migrate_read_priority/sleep, migrate_rx_lifetime_ms, and transaction_retry_ms,
plus cluster, fabric, storage, admin API, namespace, and rebalancer settings.
Load reads a YAML file and overlays it onto the defaults, so an operator's
config file only needs to name the fields it wants to override:

	migrate:
	  n_migrate_threads: 4
	  migrate_xmit_hwm: 32
	cluster:
	  node_id: node-1
	  bind_addr: 10.0.0.1:7946
	namespaces:
	  - name: default
	    partitions: 64
	rebalance:
	  interval: 10s
*/
package config
