package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/biocatiit/beamline-control-user/internal/infrastructure/config"
	"github.com/biocatiit/beamline-control-user/internal/instrument"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("BIOCON_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
beamline:
  id: test-beamline

database:
  path: ""
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("BIOCON_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("BIOCON_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("BIOCON_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_StandaloneStartupAndShutdown runs the full service with MQTT and
// InfluxDB disabled and simulated instruments, then shuts down on context
// cancellation.
func TestRun_StandaloneStartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
beamline:
  id: test-beamline

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

instruments:
  - name: sim_pump
    kind: sim_pump
  - name: sim_motor
    kind: sim_motor
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("BIOCON_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error: %v", err)
	}
}

// TestSimulateMode verifies the BIOCON_SIMULATE switch.
func TestSimulateMode(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"yes":   true,
	}
	for value, want := range cases {
		t.Setenv("BIOCON_SIMULATE", value)
		if got := simulateMode(); got != want {
			t.Errorf("simulateMode() with %q = %v, want %v", value, got, want)
		}
	}
}

// TestSimKinds verifies every hardware kind has a simulated counterpart.
func TestSimKinds(t *testing.T) {
	hardware := []instrument.Kind{
		instrument.KindPumpM50,
		instrument.KindFlowMeterBFS,
		instrument.KindScalerModbus,
		instrument.KindMotorXPS,
		instrument.KindValveRheodyne,
		instrument.KindValveCheminert,
	}
	for _, k := range hardware {
		if _, ok := simKinds[k]; !ok {
			t.Errorf("kind %q has no simulated counterpart", k)
		}
	}
}

// TestSeedEntries verifies config entries convert to catalog seeds.
func TestSeedEntries(t *testing.T) {
	entries := []config.InstrumentEntry{
		{Name: "pump1", Kind: "vici_m50", Settings: map[string]any{"port": "/dev/ttyUSB0"}},
		{Name: "stage_x", Kind: "xps_motor"},
	}

	seeds := seedEntries(entries)
	if len(seeds) != 2 {
		t.Fatalf("seedEntries returned %d entries, want 2", len(seeds))
	}
	for i, e := range entries {
		if seeds[i].Name != e.Name || seeds[i].Kind != e.Kind {
			t.Errorf("seed %d = %+v", i, seeds[i])
		}
	}
	if seeds[0].Settings["port"] != "/dev/ttyUSB0" {
		t.Errorf("seed settings not carried: %+v", seeds[0].Settings)
	}
}
