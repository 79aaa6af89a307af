package telemetry

import (
	"context"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name         string
		env          map[string]string
		wantEnabled  bool
		wantEndpoint string
		wantInsecure bool
	}{
		{
			name:        "disabled by default",
			env:         map[string]string{},
			wantEnabled: false,
		},
		{
			name:         "otlp endpoint",
			env:          map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318"},
			wantEnabled:  true,
			wantEndpoint: "collector:4318",
			wantInsecure: true,
		},
		{
			name:         "honeycomb",
			env:          map[string]string{"HONEYCOMB_API_KEY": "key"},
			wantEnabled:  true,
			wantEndpoint: "api.honeycomb.io",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"HONEYCOMB_API_KEY", "HONEYCOMB_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, ok := configFromEnv("1.2.3")
			if ok != tt.wantEnabled {
				t.Fatalf("enabled = %v, want %v", ok, tt.wantEnabled)
			}
			if cfg.ServiceName != DefaultServiceName || cfg.ServiceVersion != "1.2.3" {
				t.Errorf("service = %s/%s", cfg.ServiceName, cfg.ServiceVersion)
			}
			if !ok {
				return
			}
			if cfg.Endpoint != tt.wantEndpoint || cfg.Insecure != tt.wantInsecure {
				t.Errorf("endpoint = %s insecure = %v", cfg.Endpoint, cfg.Insecure)
			}
		})
	}
}

func TestStartSpanWithoutInitialize(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("HONEYCOMB_API_KEY", "")

	cleanup, err := InitializeFromEnv(context.Background(), "dev")
	if err != nil {
		t.Fatalf("InitializeFromEnv: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "update.check")
	span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
	if err := cleanup(context.Background()); err != nil {
		t.Errorf("cleanup: %v", err)
	}
}
