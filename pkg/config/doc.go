/*
Package config centralizes Bazaar's runtime configuration.

Configuration is read from BAZAAR_* environment variables exactly once, in
main, via FromEnv. An optional YAML file (the -config flag) overlays the
environment. Every constructor in the codebase takes plain values or a
*Config; nothing else reads os.Getenv, so a process's behavior is fully
determined by its environment at startup.

# Precedence

	defaults  <  environment  <  YAML file

# Role Validation

Different processes need different subsets, so validation is split:

  - ValidateServer: control plane (database, scheduler, share dir,
    JWT secret, task token, license path)
  - ValidateWorker: report workers (private base URL, task token)
  - ValidateDatagen: synthetic-data jobs (share dir, LLM provider)

The deployment runtime is configured separately through a JSON file named
by BAZAAR_DEPLOYMENT_CONFIG (see pkg/runtime); scheduled jobs receive their
environment from the job spec the control plane rendered, which is how the
values configured here reach the cluster.

# Usage

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err.Error())
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			log.Fatal(err.Error())
		}
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal(err.Error())
	}
*/
package config
