package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

func TestReadSamples(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []telemetry.Sample
		wantErr bool
	}{
		{
			name:  "current headers",
			input: "soil_moisture,temperature,nitrogen,irrigate\n25.5,30.1,150,1\n80.2,22.5,90,0\n",
			want: []telemetry.Sample{
				{SoilMoisture: 25.5, Temperature: 30.1, Nitrogen: 150, Irrigate: true},
				{SoilMoisture: 80.2, Temperature: 22.5, Nitrogen: 90, Irrigate: false},
			},
		},
		{
			name:  "legacy headers in another order with an extra column",
			input: "timestamp,temperatura,umidade_solo,nutrientes_N,acao_irrigacao\n2024-01-01,28,35,120,true\n",
			want: []telemetry.Sample{
				{SoilMoisture: 35, Temperature: 28, Nitrogen: 120, Irrigate: true},
			},
		},
		{
			name:  "header only",
			input: "soil_moisture,temperature,nitrogen,irrigate\n",
			want:  nil,
		},
		{
			name:    "empty file",
			input:   "",
			wantErr: true,
		},
		{
			name:    "missing label column",
			input:   "soil_moisture,temperature,nitrogen\n25,30,150\n",
			wantErr: true,
		},
		{
			name:    "non-numeric feature",
			input:   "soil_moisture,temperature,nitrogen,irrigate\nwet,30,150,1\n",
			wantErr: true,
		},
		{
			name:    "bad label",
			input:   "soil_moisture,temperature,nitrogen,irrigate\n25,30,150,maybe\n",
			wantErr: true,
		},
		{
			name:    "short row",
			input:   "soil_moisture,temperature,nitrogen,irrigate\n25,30,150\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readSamples(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readSamples() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("readSamples() returned %d samples, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadSamples_MissingColumnsNamed(t *testing.T) {
	_, err := readSamples(strings.NewReader("temperature\n20\n"))
	if !errors.Is(err, errMissingColumn) {
		t.Fatalf("readSamples() error = %v, want errMissingColumn", err)
	}
	if want := "irrigate, nitrogen, soil_moisture"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want it to list %q", err, want)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnv, "/etc/telemetry-bridge/env.yaml")

	a := &app{}
	if got := a.resolveConfigPath(); got != "/etc/telemetry-bridge/env.yaml" {
		t.Errorf("resolveConfigPath() = %q, want the environment path", got)
	}

	a.configPath = "flag.yaml"
	if got := a.resolveConfigPath(); got != "flag.yaml" {
		t.Errorf("resolveConfigPath() = %q, want the flag value", got)
	}
}

func TestLoad_LogLevelOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: error\n"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	a := &app{configPath: path}
	if err := a.load(nil, nil); err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if got := a.logger.Level(); got != slog.LevelError {
		t.Errorf("Level() = %v, want the configured error level", got)
	}

	a = &app{configPath: path, logLevel: "debug"}
	if err := a.load(nil, nil); err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if got := a.logger.Level(); got != slog.LevelDebug {
		t.Errorf("Level() = %v, want the --log-level override", got)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "telemetry-bridge dev") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestConsume_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("mqtt:\n  qos: 7\n"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"consume", "--config", path})
	err := root.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Errorf("Execute() error = %v, want a config error", err)
	}
}

func TestConsume_MissingConfigFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"consume", "--config", "/nonexistent/path/config.yaml"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Error("Execute() error = nil, want failure for a missing config file")
	}
}

func TestSeed_RequiresFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"seed"})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Error("Execute() error = nil, want required flag error")
	}
}

func TestSeed_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	csvPath := filepath.Join(dir, "samples.csv")
	data := "soil_moisture,temperature,nitrogen,irrigate\n25.5,30.1,150,1\n80.2,22.5,90,0\n"
	if err := os.WriteFile(csvPath, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write samples: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "store:\n  driver: sqlite\n  path: " + filepath.Join(dir, "telemetry.db") + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	run := func(args ...string) (string, error) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("seed", "--file", csvPath)
	if err != nil {
		t.Fatalf("seed error = %v", err)
	}
	if out != "seeded 2 samples\n" {
		t.Errorf("seed output = %q", out)
	}

	if _, err := run("seed", "--file", csvPath); err == nil {
		t.Error("second seed error = nil, want write-once failure")
	}
	if _, err := run("seed", "--file", csvPath, "--replace"); err != nil {
		t.Errorf("seed --replace error = %v", err)
	}
}
