package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentinel-ids/internal/common"
)

var configEnvKeys = []string{
	common.EnvConfigFile, common.EnvListenPort, common.EnvMetricsPort, common.EnvArtifactsDir,
	common.EnvRawWidth, common.EnvDefaultModel, common.EnvModels, common.EnvDataPath,
	common.EnvKeysDir, common.EnvTrustedKeys, common.EnvBatchWorkers, common.EnvLogLevel,
	common.EnvRequestTimeout, common.EnvSelectorSeed, common.EnvTrainingCSV, common.EnvSampleSize,
	common.EnvDriftWindow, common.EnvDriftThreshold,
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, settings Settings)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenPort != common.DefaultListenPort {
					t.Errorf("expected default ListenPort, got %d", settings.ListenPort)
				}
				if settings.RawWidth != 43 {
					t.Errorf("expected RawWidth 43, got %d", settings.RawWidth)
				}
				if settings.DefaultModel != "xgb" {
					t.Errorf("expected default model xgb, got %s", settings.DefaultModel)
				}
				if len(settings.Models) != 5 {
					t.Errorf("expected 5 default models, got %v", settings.Models)
				}
				if settings.Training.BoostRounds != 150 || settings.Training.BoostMaxDepth != 6 {
					t.Errorf("unexpected boosting defaults %+v", settings.Training)
				}
				if settings.RequestTimeout != 5*time.Second {
					t.Errorf("expected RequestTimeout 5s, got %v", settings.RequestTimeout)
				}
				if settings.Selector.Step != 0.06 {
					t.Errorf("expected selector step 0.06, got %f", settings.Selector.Step)
				}
				if settings.DriftWindow != 1000 || settings.DriftThreshold != 0.25 {
					t.Errorf("expected drift 1000/0.25, got %d/%f", settings.DriftWindow, settings.DriftThreshold)
				}
			},
		},
		{
			name:    "drift disabled",
			envVars: map[string]string{common.EnvDriftWindow: "0", common.EnvDriftThreshold: "0.1"},
			validate: func(t *testing.T, settings Settings) {
				if settings.DriftWindow != 0 {
					t.Errorf("expected drift monitoring off, got window %d", settings.DriftWindow)
				}
				if settings.DriftThreshold != 0.1 {
					t.Errorf("expected drift threshold 0.1, got %f", settings.DriftThreshold)
				}
			},
		},
		{
			name: "overrides",
			envVars: map[string]string{
				common.EnvListenPort:     "8080",
				common.EnvMetricsPort:    "9100",
				common.EnvModels:         "nb, knn",
				common.EnvDefaultModel:   "knn",
				common.EnvTrustedKeys:    "sensor-01=keys/sensor-01_public.pem, broken, gw=keys/gw.pem",
				common.EnvBatchWorkers:   "16",
				common.EnvRequestTimeout: "2s",
				common.EnvSelectorSeed:   "7",
				common.EnvLogLevel:       "debug",
				common.EnvSampleSize:     "5000",
				common.EnvTrainingCSV:    "data/flows.csv",
				common.EnvArtifactsDir:   "/srv/models",
				common.EnvDataPath:       "/srv/data",
				common.EnvKeysDir:        "/srv/keys",
			},
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenPort != 8080 || settings.MetricsPort != 9100 {
					t.Errorf("unexpected ports %d/%d", settings.ListenPort, settings.MetricsPort)
				}
				if len(settings.Models) != 2 || settings.Models[0] != "nb" || settings.Models[1] != "knn" {
					t.Errorf("expected models [nb knn], got %v", settings.Models)
				}
				if len(settings.TrustedKeys) != 2 || settings.TrustedKeys["gw"] != "keys/gw.pem" {
					t.Errorf("unexpected trusted keys %v", settings.TrustedKeys)
				}
				if ids := settings.TrustedIdentities(); ids[0] != "gw" || ids[1] != "sensor-01" {
					t.Errorf("expected sorted identities, got %v", ids)
				}
				if settings.BatchWorkers != 16 {
					t.Errorf("expected 16 workers, got %d", settings.BatchWorkers)
				}
				if settings.RequestTimeout != 2*time.Second {
					t.Errorf("expected 2s timeout, got %v", settings.RequestTimeout)
				}
				if settings.Selector.Seed != 7 {
					t.Errorf("expected seed 7, got %d", settings.Selector.Seed)
				}
				if settings.Training.SampleSize != 5000 || settings.Training.CSVPath != "data/flows.csv" {
					t.Errorf("unexpected training settings %+v", settings.Training)
				}
			},
		},
		{
			name:    "default model not enabled",
			envVars: map[string]string{common.EnvModels: "nb,lr"},
			wantErr: true,
		},
		{
			name:    "port out of range",
			envVars: map[string]string{common.EnvListenPort: "80"},
			wantErr: true,
		},
		{
			name:    "unknown log level",
			envVars: map[string]string{common.EnvLogLevel: "chatty"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear all environment variables first
			clearTestEnv(t)

			// Set test environment variables
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			settings, err := loadFromEnv()

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name         string
		yamlContent  string
		envOverrides map[string]string
		wantErr      bool
		validate     func(t *testing.T, settings Settings)
	}{
		{
			name: "valid YAML config",
			yamlContent: `
server:
  listenPort: 8443
  metricsPort: 9091
  batchWorkers: 8
  requestTimeout: "3s"

models:
  artifactsDir: "/var/lib/sentinel/models"
  default: "nb"
  enabled: ["nb", "dt"]
  driftWindow: 0
  driftThreshold: 0.4

trust:
  keysDir: "/etc/sentinel/keys"
  trustedKeys:
    sensor-01: "/etc/sentinel/keys/sensor-01_public.pem"

selector:
  population: 20
  generations: 10
  seed: 99

training:
  labelColumn: "Label"
  testFraction: 0.25

system:
  dataPath: "/var/lib/sentinel"
  logLevel: "warn"
`,
			validate: func(t *testing.T, settings Settings) {
				if settings.MetricsPort != 9091 {
					t.Errorf("expected MetricsPort 9091, got %d", settings.MetricsPort)
				}
				if settings.RequestTimeout != 3*time.Second {
					t.Errorf("expected RequestTimeout 3s, got %v", settings.RequestTimeout)
				}
				if settings.DefaultModel != "nb" || len(settings.Models) != 2 {
					t.Errorf("unexpected models %s %v", settings.DefaultModel, settings.Models)
				}
				if settings.TrustedKeys["sensor-01"] != "/etc/sentinel/keys/sensor-01_public.pem" {
					t.Errorf("unexpected trusted keys %v", settings.TrustedKeys)
				}
				if settings.Selector.Population != 20 || settings.Selector.Generations != 10 || settings.Selector.Seed != 99 {
					t.Errorf("unexpected selector %+v", settings.Selector)
				}
				if settings.Selector.MaxQubits != common.DefaultMaxQubits {
					t.Errorf("expected default MaxQubits, got %d", settings.Selector.MaxQubits)
				}
				if settings.Training.LabelColumn != "Label" || settings.Training.TestFraction != 0.25 {
					t.Errorf("unexpected training %+v", settings.Training)
				}
				if settings.LogLevel != "warn" {
					t.Errorf("expected log level warn, got %s", settings.LogLevel)
				}
				if settings.DriftWindow != 0 || settings.DriftThreshold != 0.4 {
					t.Errorf("expected drift off with threshold 0.4, got %d/%f", settings.DriftWindow, settings.DriftThreshold)
				}
			},
		},
		{
			name: "environment overrides YAML",
			yamlContent: `
server:
  metricsPort: 9091
models:
  default: "dt"
`,
			envOverrides: map[string]string{
				common.EnvMetricsPort:  "9200",
				common.EnvDefaultModel: "lr",
			},
			validate: func(t *testing.T, settings Settings) {
				if settings.MetricsPort != 9200 {
					t.Errorf("expected env MetricsPort 9200, got %d", settings.MetricsPort)
				}
				if settings.DefaultModel != "lr" {
					t.Errorf("expected env default model lr, got %s", settings.DefaultModel)
				}
			},
		},
		{
			name:        "invalid YAML",
			yamlContent: "server: [unclosed",
			wantErr:     true,
		},
		{
			name: "invalid duration",
			yamlContent: `
server:
  requestTimeout: "soon"
`,
			wantErr: true,
		},
		{
			name: "selector out of range",
			yamlContent: `
selector:
  step: 1.5
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)
			for key, value := range tt.envOverrides {
				t.Setenv(key, value)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yamlContent), 0o644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			settings, err := loadFromYAML(path)

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoad_UsesConfigFile(t *testing.T) {
	clearTestEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listenPort: 8999\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(common.EnvConfigFile, path)

	settings, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.ListenPort != 8999 {
		t.Errorf("expected ListenPort 8999, got %d", settings.ListenPort)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearTestEnv(t)
	t.Setenv(common.EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestSettings_TrainConfig(t *testing.T) {
	s := Defaults()
	s.ArtifactsDir = "out"
	s.BatchWorkers = 3
	s.Selector.Generations = 2
	s.Training.CSVPath = "flows.csv"

	tc := s.TrainConfig()
	if tc.OutDir != "out" || tc.CSVPath != "flows.csv" {
		t.Errorf("unexpected paths %q %q", tc.OutDir, tc.CSVPath)
	}
	if tc.Selector.Generations != 2 || tc.Selector.Workers != 3 {
		t.Errorf("unexpected selector config %+v", tc.Selector)
	}
	if tc.RawWidth != common.RawFeatureWidth {
		t.Errorf("expected raw width %d, got %d", common.RawFeatureWidth, tc.RawWidth)
	}
	if err := tc.Selector.Validate(); err != nil {
		t.Errorf("default selector config should validate: %v", err)
	}
}
