// Package gologger resolves relay loggers from go-logger providers and bridges
// them to go-job workers.
package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const RootLoggerName = "relay"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(RootLoggerName, provider, logger)
}

// ComponentName returns the dotted logger name for a relay component, for
// example relay.delivery.
func ComponentName(component string) string {
	component = strings.Trim(strings.TrimSpace(component), ".")
	if component == "" {
		return RootLoggerName
	}
	return RootLoggerName + "." + component
}

// ForComponent returns the logger a component should use. A nil provider and
// logger yields a nop logger.
func ForComponent(provider glog.LoggerProvider, logger glog.Logger, component string) glog.Logger {
	resolvedProvider, resolved := Resolve(provider, logger)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(ComponentName(component)); named != nil {
			return named
		}
	}
	return glog.Ensure(resolved)
}

// ForJobs resolves the logger pair handed to go-job workers running sweeps.
func ForJobs(provider glog.LoggerProvider, logger glog.Logger) (job.LoggerProvider, job.Logger) {
	resolvedProvider, _ := Resolve(provider, logger)
	jobLogger := ForComponent(provider, logger, "jobs")
	var jobProvider job.LoggerProvider
	if resolvedProvider != nil {
		jobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	return jobProvider, job.GoLogger(jobLogger)
}
