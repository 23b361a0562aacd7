/*
Package loadtest drives concurrent replay of a recorded Shiny session.

# Overview

The loadtest package implements the endurance loop:
  - A worker pool ramped up at a staggered cadence
  - Continuous session restarts for a wall-clock load window
  - Shared progress counters and a periodic stats line
  - A latency summary across all completed sessions

# Orchestrator Design

Each worker owns its sessions outright; workers only share:
  1. The stop flag that ends the load window
  2. The monotonic session-id counter
  3. The Stats counters
  4. The warmup wait group released as each worker's first session starts

Worker lifecycle:
  1. The first session sleeps worker_index x warmup_interval before playing,
     recording the delay in its CSV
  2. The warmup group is released once the delay elapses
  3. Further sessions run back to back while the stop flag holds
  4. The orchestrator waits out the loaded duration, drops the flag, and
     drains

A failed session never stops its worker; the next iteration starts
immediately. Only setup errors (recording validation, run bookkeeping)
abort the orchestrator.

# Metrics

Per-session wall-clock durations feed min/max/avg and P50/P95/P99, reported
in the final summary and persisted with the run record. When a metrics
address is configured, the same transitions update Prometheus gauges.
*/
package loadtest
