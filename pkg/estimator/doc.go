/*
Package estimator turns raw per-server telemetry into reliability scores and
migration advisories.

# Scoring

Each server keeps a bounded sliding window of samples ordered by timestamp.
A sample's signal vector is validated against the configured signal ranges
and folded into a single health value in [0,1] (1 = fully healthy). On every
new sample the score is recomputed as a weighted combination of:

  - the smoothed level: an exponential moving average over the window, and
  - a trend term: the level projected forward by the least-squares slope of
    health over the window.

A degrading server therefore sees its score drop before its raw level does,
which is what buys the lead time between detection and actual failure.

# Triggering

An advisory fires when the score crosses below reliability_threshold while
the score trend has been non-increasing for trend_samples consecutive
samples. The trend requirement is the hysteresis that rejects single-sample
noise. After firing the server is armed-down: no further advisories until
the score recovers above threshold + hysteresis_margin, which prevents
advisory storms from oscillation near the boundary.

Exactly one advisory per continuous crossing interval is the contract tests
rely on.

# Ordering and idempotence

Samples are processed in timestamp order. A duplicate (server, timestamp)
sample is ignored and never double-counts in the trend. An out-of-order
sample still inside the window is inserted in order and the window
recomputed; one older than the oldest retained sample is dropped.

# Failure statistics

Watchdog liveness transitions feed per-server failure statistics: total
failures, MTTR, MTBF, failure rate lambda = 1/MTBF, and the conditional
reliability R(t) = exp(-lambda*t) of surviving a given horizon. These
complement the telemetry-driven score with long-horizon failure history.
*/
package estimator
