// Package prometheus exports Manager metrics through a
// prometheus.Collector. Values are read from MetricsSnapshot at scrape time;
// nothing is copied in the request path.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(authprom.NewCollector(manager))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prometheus
