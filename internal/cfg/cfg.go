package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/selection"
)

type Settings struct {
	ListenPort     int
	MetricsPort    int
	ArtifactsDir   string
	RawWidth       int
	DefaultModel   string
	Models         []string
	DataPath       string
	KeysDir        string
	TrustedKeys    map[string]string // identity -> public key PEM path
	BatchWorkers   int
	LogLevel       string
	RequestTimeout time.Duration
	DriftWindow    int // 0 disables drift monitoring
	DriftThreshold float64
	Selector       SelectorSettings
	Training       TrainingSettings
}

type SelectorSettings struct {
	Population   int     `yaml:"population"`
	Generations  int     `yaml:"generations"`
	MaxQubits    int     `yaml:"maxQubits"`
	Step         float64 `yaml:"step"`
	ProbFloor    float64 `yaml:"probFloor"`
	ProbCeil     float64 `yaml:"probCeil"`
	Folds        int     `yaml:"folds"`
	FallbackSize int     `yaml:"fallbackSize"`
	SelectionCap int     `yaml:"selectionCap"`
	TrimSize     int     `yaml:"trimSize"`
	Seed         int64   `yaml:"seed"`
}

type TrainingSettings struct {
	CSVPath       string  `yaml:"csvPath"`
	LabelColumn   string  `yaml:"labelColumn"`
	SampleSize    int     `yaml:"sampleSize"`
	TestFraction  float64 `yaml:"testFraction"`
	KNNNeighbours int     `yaml:"knnNeighbours"`
	KNNMaxPoints  int     `yaml:"knnMaxPoints"`
	TreeMaxDepth  int     `yaml:"treeMaxDepth"`
	TreeMinLeaf   int     `yaml:"treeMinLeaf"`
	LogRegEpochs  int     `yaml:"logRegEpochs"`
	LogRegRate    float64 `yaml:"logRegRate"`
	BoostRounds   int     `yaml:"boostRounds"`
	BoostMaxDepth int     `yaml:"boostMaxDepth"`
	BoostRate     float64 `yaml:"boostRate"`
}

type ConfigFile struct {
	Server struct {
		ListenPort     int    `yaml:"listenPort"`
		MetricsPort    int    `yaml:"metricsPort"`
		BatchWorkers   int    `yaml:"batchWorkers"`
		RequestTimeout string `yaml:"requestTimeout"`
	} `yaml:"server"`

	Models struct {
		ArtifactsDir string   `yaml:"artifactsDir"`
		RawWidth     int      `yaml:"rawWidth"`
		Default      string   `yaml:"default"`
		Enabled      []string `yaml:"enabled"`

		// DriftWindow is a pointer so that 0 can switch monitoring off.
		DriftWindow    *int    `yaml:"driftWindow"`
		DriftThreshold float64 `yaml:"driftThreshold"`
	} `yaml:"models"`

	Trust struct {
		KeysDir     string            `yaml:"keysDir"`
		TrustedKeys map[string]string `yaml:"trustedKeys"`
	} `yaml:"trust"`

	Selector SelectorSettings `yaml:"selector"`
	Training TrainingSettings `yaml:"training"`

	System struct {
		DataPath string `yaml:"dataPath"`
		LogLevel string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Load reads an optional .env file, then the YAML file named by
// CONFIG_FILE if set, then environment overrides, and validates the result.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load .env: %w", err)
	}

	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		ListenPort:     common.DefaultListenPort,
		MetricsPort:    common.DefaultMetricsPort,
		ArtifactsDir:   common.DefaultArtifactsDir,
		RawWidth:       common.RawFeatureWidth,
		DefaultModel:   common.DefaultDefaultModel,
		Models:         append([]string(nil), common.DefaultModels...),
		KeysDir:        common.DefaultKeysDir,
		TrustedKeys:    map[string]string{},
		BatchWorkers:   common.DefaultBatchWorkers,
		LogLevel:       common.DefaultLogLevel,
		RequestTimeout: 5 * time.Second,
		DriftWindow:    common.DefaultDriftWindow,
		DriftThreshold: common.DefaultDriftThreshold,
		Selector: SelectorSettings{
			Population:   common.DefaultPopulation,
			Generations:  common.DefaultGenerations,
			MaxQubits:    common.DefaultMaxQubits,
			Step:         common.DefaultStep,
			ProbFloor:    common.DefaultProbFloor,
			ProbCeil:     common.DefaultProbCeil,
			Folds:        common.DefaultFolds,
			FallbackSize: common.DefaultFallbackSize,
			SelectionCap: common.DefaultSelectionCap,
			TrimSize:     common.DefaultTrimSize,
			Seed:         common.DefaultSeed,
		},
		Training: TrainingSettings{
			LabelColumn:   common.DefaultLabelColumn,
			SampleSize:    common.DefaultSampleSize,
			TestFraction:  common.DefaultTestFraction,
			KNNNeighbours: common.DefaultKNNNeighbours,
			KNNMaxPoints:  common.DefaultKNNMaxPoints,
			TreeMaxDepth:  common.DefaultTreeMaxDepth,
			TreeMinLeaf:   common.DefaultTreeMinLeaf,
			LogRegEpochs:  common.DefaultLogRegEpochs,
			LogRegRate:    common.DefaultLogRegRate,
			BoostRounds:   common.DefaultBoostRounds,
			BoostMaxDepth: common.DefaultBoostMaxDepth,
			BoostRate:     common.DefaultBoostRate,
		},
	}
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings := Defaults()
	setInt(&settings.ListenPort, config.Server.ListenPort)
	setInt(&settings.MetricsPort, config.Server.MetricsPort)
	setInt(&settings.BatchWorkers, config.Server.BatchWorkers)
	if config.Server.RequestTimeout != "" {
		timeout, err := time.ParseDuration(config.Server.RequestTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid requestTimeout %q: %w", config.Server.RequestTimeout, err)
		}
		settings.RequestTimeout = timeout
	}
	setString(&settings.ArtifactsDir, config.Models.ArtifactsDir)
	setInt(&settings.RawWidth, config.Models.RawWidth)
	setString(&settings.DefaultModel, config.Models.Default)
	if len(config.Models.Enabled) > 0 {
		settings.Models = config.Models.Enabled
	}
	if config.Models.DriftWindow != nil {
		settings.DriftWindow = *config.Models.DriftWindow
	}
	setFloat(&settings.DriftThreshold, config.Models.DriftThreshold)
	setString(&settings.KeysDir, config.Trust.KeysDir)
	for id, path := range config.Trust.TrustedKeys {
		settings.TrustedKeys[id] = path
	}
	setString(&settings.DataPath, config.System.DataPath)
	setString(&settings.LogLevel, config.System.LogLevel)
	mergeSelector(&settings.Selector, config.Selector)
	mergeTraining(&settings.Training, config.Training)

	// Override with environment variables if they exist
	applyEnv(&settings)

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Defaults()
	applyEnv(&settings)

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func applyEnv(s *Settings) {
	s.ListenPort = getIntOrDefault(common.EnvListenPort, s.ListenPort)
	s.MetricsPort = getIntOrDefault(common.EnvMetricsPort, s.MetricsPort)
	s.ArtifactsDir = getEnvOrDefault(common.EnvArtifactsDir, s.ArtifactsDir)
	s.RawWidth = getIntOrDefault(common.EnvRawWidth, s.RawWidth)
	s.DefaultModel = getEnvOrDefault(common.EnvDefaultModel, s.DefaultModel)
	s.Models = splitOrDefault(os.Getenv(common.EnvModels), s.Models)
	s.DataPath = getEnvOrDefault(common.EnvDataPath, s.DataPath)
	s.KeysDir = getEnvOrDefault(common.EnvKeysDir, s.KeysDir)
	if v := os.Getenv(common.EnvTrustedKeys); v != "" {
		s.TrustedKeys = parseTrustedKeys(v)
	}
	s.BatchWorkers = getIntOrDefault(common.EnvBatchWorkers, s.BatchWorkers)
	s.LogLevel = getEnvOrDefault(common.EnvLogLevel, s.LogLevel)
	s.RequestTimeout = getDurationOrDefault(common.EnvRequestTimeout, s.RequestTimeout)
	s.DriftWindow = getIntOrDefault(common.EnvDriftWindow, s.DriftWindow)
	s.DriftThreshold = getFloatOrDefault(common.EnvDriftThreshold, s.DriftThreshold)
	s.Selector.Seed = int64(getIntOrDefault(common.EnvSelectorSeed, int(s.Selector.Seed)))
	s.Training.CSVPath = getEnvOrDefault(common.EnvTrainingCSV, s.Training.CSVPath)
	s.Training.SampleSize = getIntOrDefault(common.EnvSampleSize, s.Training.SampleSize)
}

// parseTrustedKeys reads "identity=path,identity=path". Malformed entries
// are skipped.
func parseTrustedKeys(v string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(v, ",") {
		id, path, ok := strings.Cut(entry, "=")
		id, path = strings.TrimSpace(id), strings.TrimSpace(path)
		if !ok || id == "" || path == "" {
			continue
		}
		out[id] = path
	}
	return out
}

// TrustedIdentities lists the configured identities in sorted order.
func (s *Settings) TrustedIdentities() []string {
	ids := make([]string, 0, len(s.TrustedKeys))
	for id := range s.TrustedKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SelectorConfig converts the selector section for the feature selector.
func (s *Settings) SelectorConfig() selection.Config {
	c := selection.DefaultConfig()
	c.Population = s.Selector.Population
	c.Generations = s.Selector.Generations
	c.MaxQubits = s.Selector.MaxQubits
	c.Step = s.Selector.Step
	c.ProbFloor = s.Selector.ProbFloor
	c.ProbCeil = s.Selector.ProbCeil
	c.Folds = s.Selector.Folds
	c.FallbackSize = s.Selector.FallbackSize
	c.SelectionCap = s.Selector.SelectionCap
	c.TrimSize = s.Selector.TrimSize
	c.Seed = s.Selector.Seed
	c.Workers = s.BatchWorkers
	return c
}

// TrainConfig converts the training section for a training run writing to
// the configured artifacts dir.
func (s *Settings) TrainConfig() selection.TrainConfig {
	c := selection.DefaultTrainConfig()
	c.CSVPath = s.Training.CSVPath
	c.LabelColumn = s.Training.LabelColumn
	c.OutDir = s.ArtifactsDir
	c.RawWidth = s.RawWidth
	c.SampleSize = s.Training.SampleSize
	c.TestFraction = s.Training.TestFraction
	c.Models = append([]string(nil), s.Models...)
	c.KNNNeighbours = s.Training.KNNNeighbours
	c.KNNMaxPoints = s.Training.KNNMaxPoints
	c.TreeMaxDepth = s.Training.TreeMaxDepth
	c.TreeMinLeaf = s.Training.TreeMinLeaf
	c.LogRegEpochs = s.Training.LogRegEpochs
	c.LogRegRate = s.Training.LogRegRate
	c.Boost.Rounds = s.Training.BoostRounds
	c.Boost.MaxDepth = s.Training.BoostMaxDepth
	c.Boost.LearningRate = s.Training.BoostRate
	c.Seed = s.Selector.Seed
	c.Selector = s.SelectorConfig()
	return c
}

func mergeSelector(dst *SelectorSettings, src SelectorSettings) {
	setInt(&dst.Population, src.Population)
	setInt(&dst.Generations, src.Generations)
	setInt(&dst.MaxQubits, src.MaxQubits)
	setFloat(&dst.Step, src.Step)
	setFloat(&dst.ProbFloor, src.ProbFloor)
	setFloat(&dst.ProbCeil, src.ProbCeil)
	setInt(&dst.Folds, src.Folds)
	setInt(&dst.FallbackSize, src.FallbackSize)
	setInt(&dst.SelectionCap, src.SelectionCap)
	setInt(&dst.TrimSize, src.TrimSize)
	if src.Seed != 0 {
		dst.Seed = src.Seed
	}
}

func mergeTraining(dst *TrainingSettings, src TrainingSettings) {
	setString(&dst.CSVPath, src.CSVPath)
	setString(&dst.LabelColumn, src.LabelColumn)
	setInt(&dst.SampleSize, src.SampleSize)
	setFloat(&dst.TestFraction, src.TestFraction)
	setInt(&dst.KNNNeighbours, src.KNNNeighbours)
	setInt(&dst.KNNMaxPoints, src.KNNMaxPoints)
	setInt(&dst.TreeMaxDepth, src.TreeMaxDepth)
	setInt(&dst.TreeMinLeaf, src.TreeMinLeaf)
	setInt(&dst.LogRegEpochs, src.LogRegEpochs)
	setFloat(&dst.LogRegRate, src.LogRegRate)
	setInt(&dst.BoostRounds, src.BoostRounds)
	setInt(&dst.BoostMaxDepth, src.BoostMaxDepth)
	setFloat(&dst.BoostRate, src.BoostRate)
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate ports
	if settings.ListenPort < common.MinPort || settings.ListenPort > common.MaxPort {
		return fmt.Errorf("listen port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.ListenPort)
	}
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.ListenPort == settings.MetricsPort {
		return fmt.Errorf("listen and metrics ports must differ, both are %d", settings.ListenPort)
	}

	// Validate models
	if settings.ArtifactsDir == "" {
		return fmt.Errorf("artifacts directory cannot be empty")
	}
	if settings.RawWidth <= 0 {
		return fmt.Errorf("raw feature width must be positive, got %d", settings.RawWidth)
	}
	if len(settings.Models) == 0 {
		return fmt.Errorf("at least one model must be enabled")
	}
	found := false
	for _, id := range settings.Models {
		if id == settings.DefaultModel {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("default model %q is not among enabled models %v", settings.DefaultModel, settings.Models)
	}

	// Validate trust
	for id, path := range settings.TrustedKeys {
		if id == "" || path == "" {
			return fmt.Errorf("trusted key entries need an identity and a path, got %q=%q", id, path)
		}
	}

	// Validate runtime
	if settings.BatchWorkers < 1 || settings.BatchWorkers > common.MaxBatchWorkers {
		return fmt.Errorf("batch workers must be between 1 and %d, got %d", common.MaxBatchWorkers, settings.BatchWorkers)
	}
	if settings.RequestTimeout < 100*time.Millisecond || settings.RequestTimeout > time.Minute {
		return fmt.Errorf("request timeout must be between 100ms and 1m, got %v", settings.RequestTimeout)
	}
	if settings.DriftWindow < 0 {
		return fmt.Errorf("drift window cannot be negative, got %d", settings.DriftWindow)
	}
	if settings.DriftWindow > 0 && settings.DriftThreshold <= 0 {
		return fmt.Errorf("drift threshold must be positive, got %f", settings.DriftThreshold)
	}
	switch settings.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("unknown log level %q", settings.LogLevel)
	}

	// Validate selector
	if err := settings.SelectorConfig().Validate(); err != nil {
		return fmt.Errorf("selector: %w", err)
	}

	// Validate training
	if settings.Training.LabelColumn == "" {
		return fmt.Errorf("training label column cannot be empty")
	}
	if settings.Training.TestFraction <= 0 || settings.Training.TestFraction >= 1 {
		return fmt.Errorf("test fraction must be between 0 and 1, got %f", settings.Training.TestFraction)
	}
	if settings.Training.SampleSize <= 0 {
		return fmt.Errorf("sample size must be positive, got %d", settings.Training.SampleSize)
	}
	if settings.Training.KNNNeighbours <= 0 {
		return fmt.Errorf("knn neighbours must be positive, got %d", settings.Training.KNNNeighbours)
	}
	if settings.Training.TreeMaxDepth <= 0 || settings.Training.TreeMaxDepth > 64 {
		return fmt.Errorf("tree max depth must be between 1 and 64, got %d", settings.Training.TreeMaxDepth)
	}
	if settings.Training.LogRegRate <= 0 {
		return fmt.Errorf("logistic regression rate must be positive, got %f", settings.Training.LogRegRate)
	}
	if settings.Training.BoostRounds <= 0 {
		return fmt.Errorf("boosting rounds must be positive, got %d", settings.Training.BoostRounds)
	}
	if settings.Training.BoostMaxDepth <= 0 || settings.Training.BoostMaxDepth > 64 {
		return fmt.Errorf("boosting max depth must be between 1 and 64, got %d", settings.Training.BoostMaxDepth)
	}
	if settings.Training.BoostRate <= 0 || settings.Training.BoostRate > 1 {
		return fmt.Errorf("boosting rate must be in (0, 1], got %f", settings.Training.BoostRate)
	}

	return nil
}
