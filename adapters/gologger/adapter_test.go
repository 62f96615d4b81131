package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolveDeterministicFallback(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	provider := &capturingProvider{logger: &capturingLogger{id: "provider"}}

	_, resolved := Resolve(provider, loggerOnly)
	if got := resolved.(*capturingLogger); got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}

	resolvedProvider, resolved := Resolve(nil, loggerOnly)
	if got := resolved.(*capturingLogger); got.id != "logger" {
		t.Fatalf("expected direct logger when provider is nil, got %q", got.id)
	}
	if resolvedProvider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	if _, resolved = Resolve(nil, nil); resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestComponentName(t *testing.T) {
	cases := map[string]string{
		"":           "relay",
		"delivery":   "relay.delivery",
		" .sweeper.": "relay.sweeper",
	}
	for in, want := range cases {
		if got := ComponentName(in); got != want {
			t.Fatalf("component %q: expected %q, got %q", in, want, got)
		}
	}
}

func TestForComponent_AsksProviderForDottedName(t *testing.T) {
	provider := &capturingProvider{logger: &capturingLogger{id: "provider"}}
	logger := ForComponent(provider, nil, "delivery")
	if logger == nil {
		t.Fatalf("expected logger")
	}
	if provider.lastName != "relay.delivery" {
		t.Fatalf("expected relay.delivery lookup, got %q", provider.lastName)
	}
	if ForComponent(nil, nil, "delivery") == nil {
		t.Fatalf("expected nop logger without provider or logger")
	}
}

func TestForJobs_BridgesToGoJob(t *testing.T) {
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	jobProvider, jobLogger := ForJobs(provider, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job bridges")
	}

	jobLogger.Info("sweep job done", "job_id", "relay.retry.sweep")
	captured := providerLogger.lastInfo
	if captured.msg != "sweep job done" {
		t.Fatalf("expected bridged message, got %q", captured.msg)
	}
	if len(captured.args) != 2 || captured.args[1] != "relay.retry.sweep" {
		t.Fatalf("expected bridged args, got %#v", captured.args)
	}
	if provider.lastName != "relay.jobs" {
		t.Fatalf("expected relay.jobs logger, got %q", provider.lastName)
	}
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger   *capturingLogger
	lastName string
}

func (p *capturingProvider) GetLogger(name string) glog.Logger {
	p.lastName = name
	if p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{msg: msg, args: append([]any(nil), args...)}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
