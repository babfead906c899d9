/*
Package config loads the director's YAML configuration.

One file configures the whole process: identity, HTTP listener, Postgres
registry, NATS bus, blobstore driver, cloud provider and the tuning knobs for
locks, agent RPC and instance updates. Load applies defaults and validates;
there is no global config value, the loaded struct is handed to components at
construction time.
*/
package config
