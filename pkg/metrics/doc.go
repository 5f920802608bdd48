/*
Package metrics provides Prometheus metrics collection and exposition for
vmmd, along with liveness/readiness health checks.

Metrics are registered at package init via prometheus.MustRegister and
exposed over HTTP for scraping by Prometheus via Handler(). Collector
samples a *vmmd.Server on a 15s tick and publishes registry-level gauges
(machines, networks, instances by phase). The other metrics listed below
are registered and exposed, but no package in this module records values
into them; Timer is the helper for observing the duration histograms.

# Categories

  - Registry gauges: MachinesTotal, NetworksTotal, InstancesTotal (by
    phase) — refreshed by Collector; BridgesUpTotal, which Collector does
    not set.
  - Image cache: ImageCacheHitsTotal, ImageDownloadsTotal (by outcome),
    ImageDownloadDuration.
  - Instance lifecycle: InstanceStartDuration, InstanceStopDuration,
    InstanceStartFailuresTotal, InstanceBootSequenceTotal.
  - Share dirs: ShareDirsActiveTotal.
  - API: APIRequestsTotal, APIRequestDuration.

# Health

RegisterComponent tracks named components ("image-cache",
"progress-router", ...); GetHealth/GetReadiness/HealthHandler/ReadyHandler/
LivenessHandler expose them over HTTP. Readiness treats "image-cache" and
"progress-router" as critical, and also checks SetRegistry's *vmmd.Server
directly: a supervisor with no working image cache, no progress reporting,
or a registry that hasn't finished loading machines/networks/instances
from disk isn't meaningfully up.

Usage:

	metrics.SetVersion(version)
	metrics.RegisterComponent("image-cache", true, "")
	if err := server.ReadAll(); err == nil {
		metrics.SetRegistry(server)
	}
	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())

	collector := metrics.NewCollector(server)
	collector.Start()
	defer collector.Stop()

	timer := metrics.NewTimer()
	// ... start an instance ...
	timer.ObserveDuration(metrics.InstanceStartDuration)
*/
package metrics
