package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

func TestParseConfigNil(t *testing.T) {
	if err := ParseConfig[struct{}](nil); err == nil {
		t.Fatal("expected error for nil config target")
	}
}

func TestParseArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	port := fs.Int("port", 9020, "")
	if err := ParseArgs(fs, []string{"-port", "9021"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if *port != 9021 {
		t.Fatalf("port = %d, want 9021", *port)
	}
}

func TestParseArgsNilFlagSet(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected error for nil flag set")
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	err := RunWithTelemetry(context.Background(), "  ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for blank service name")
	}
}

func TestRunWithTelemetryRequiresRun(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), ServiceMainDevice, nil); err == nil {
		t.Fatal("expected error for nil run function")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	wantErr := errors.New("boom")
	err := RunWithTelemetry(context.Background(), ServiceSecondary, func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
