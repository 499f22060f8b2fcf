/*
Package config loads and validates Preempt's YAML configuration.

All tunable parameters of the reliability estimator (threshold, hysteresis
margin, window size, trend length, signal definitions) and of the migration
orchestrator (sync iteration bound, lag bound, cutover budget) live here.
Components receive their knobs at construction and never read files
themselves.

	cfg, err := config.Load("/etc/preempt/config.yaml")

Load merges the file over Default(), so a partial file only overrides what
it names. Example:

	estimator:
	  reliability_threshold: 0.95
	  hysteresis_margin: 0.02
	  window_size: 30
	  trend_samples: 3
	  signals:
	    - name: cpu_error_rate
	      min: 0
	      max: 1
	      weight: 1
	      required: true
	orchestrator:
	  max_sync_iterations: 10
	  cutover_budget: 10s

The diagram-style constants (detection step, failure step, cutover seconds)
are deliberately not baked in anywhere; they are all expressible through
this package.
*/
package config
