package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("metrics:\n  enabled: true\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/gateway.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Override searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (/etc/gatewayd/gateway.yaml etc.).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "gateway.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte("metrics:\n  enabled: true\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "gateway.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "gateway.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
endpoints:
  plc1:
    url: "tcp://${GATEWAY_TEST_HOST}:502"
`), 0600)
	os.Setenv("GATEWAY_TEST_HOST", "10.0.0.5")
	defer os.Unsetenv("GATEWAY_TEST_HOST")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := "tcp://10.0.0.5:502"
	if cfg.Endpoints["plc1"].URL != want {
		t.Errorf("url = %q, want %q", cfg.Endpoints["plc1"].URL, want)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
endpoints:
  plc1:
    url: "tcp://10.0.0.5:502"
drivers:
  modbus1:
    driver_type: modbus-tcp
    endpoint: plc1
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("metrics.port = %d, want 9090", cfg.Metrics.Port)
	}
	if cfg.FrameBus.RingPow != 20 {
		t.Errorf("framebus.ring_pow = %d, want 20", cfg.FrameBus.RingPow)
	}
	if cfg.FrameBus.WALFlushInterval != "10ms" {
		t.Errorf("framebus.wal_flush_interval = %q, want 10ms", cfg.FrameBus.WALFlushInterval)
	}
	if cfg.Endpoints["plc1"].Timeout != "5s" {
		t.Errorf("endpoints.plc1.timeout = %q, want 5s", cfg.Endpoints["plc1"].Timeout)
	}
	if cfg.Endpoints["plc1"].Pool.Max != 4 {
		t.Errorf("endpoints.plc1.pool.max = %d, want 4", cfg.Endpoints["plc1"].Pool.Max)
	}
	if cfg.Drivers["modbus1"].Polling != "1s" {
		t.Errorf("drivers.modbus1.polling = %q, want 1s", cfg.Drivers["modbus1"].Polling)
	}
	if cfg.Drivers["modbus1"].Retry != 3 {
		t.Errorf("drivers.modbus1.retry = %d, want 3", cfg.Drivers["modbus1"].Retry)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
endpoints:
  plc1:
    url: "tcp://10.0.0.5:502"
    bogus_field: true
`), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field under endpoints")
	}
}

func TestLoad_FreeformMetaIsNotStrict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
meta:
  site: plant-4
  region: us-east
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Meta["site"] != "plant-4" {
		t.Errorf("meta.site = %v, want plant-4", cfg.Meta["site"])
	}
}

func TestValidate_RejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
framebus:
  wal_flush_interval: "not-a-duration"
`), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed duration string")
	}
}

func TestValidate_RejectsPauseHiNotGreaterThanResumeLo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
framebus:
  pause_hi: 0.5
  resume_lo: 0.7
`), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error when pause_hi <= resume_lo")
	}
}

func TestValidate_RejectsDriverReferencingUnknownEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
drivers:
  modbus1:
    driver_type: modbus-tcp
    endpoint: nonexistent
`), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for driver referencing unknown endpoint")
	}
}

func TestValidate_RejectsVariableReferencingUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
endpoints:
  plc1:
    url: "tcp://10.0.0.5:502"
drivers:
  modbus1:
    driver_type: modbus-tcp
    endpoint: plc1
variables:
  tank_level:
    driver: nonexistent
    data_type: float32
    address: 0
    access: r
`), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for variable referencing unknown driver")
	}
}

func TestValidate_RejectsBadAccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte(`
endpoints:
  plc1:
    url: "tcp://10.0.0.5:502"
drivers:
  modbus1:
    driver_type: modbus-tcp
    endpoint: plc1
variables:
  tank_level:
    driver: modbus1
    data_type: float32
    address: 0
    access: bogus
`), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid access value")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate: %v", err)
	}
}

func TestFrameBusConfig_FlushInterval(t *testing.T) {
	f := FrameBusConfig{WALFlushInterval: "25ms"}
	got := f.FlushInterval()
	if got.String() != "25ms" {
		t.Errorf("FlushInterval() = %v, want 25ms", got)
	}
}

func TestEndpointConfig_TimeoutDuration(t *testing.T) {
	e := EndpointConfig{Timeout: "3s"}
	got := e.TimeoutDuration()
	if got.String() != "3s" {
		t.Errorf("TimeoutDuration() = %v, want 3s", got)
	}
}
