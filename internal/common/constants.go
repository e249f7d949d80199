package common

// Feature schema
const (
	// RawFeatureWidth is the width of the vector produced by traffic feature extraction.
	RawFeatureWidth = 43
	// LabelNormal and LabelAnomalous are the two classes every classifier emits.
	LabelNormal    = 0
	LabelAnomalous = 1
)

// Environment variable keys
const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvListenPort     = "LISTEN_PORT"
	EnvMetricsPort    = "METRICS_PORT"
	EnvArtifactsDir   = "ARTIFACTS_DIR"
	EnvRawWidth       = "RAW_FEATURE_WIDTH"
	EnvDefaultModel   = "DEFAULT_MODEL"
	EnvModels         = "MODELS"
	EnvDataPath       = "DATA_PATH"
	EnvKeysDir        = "KEYS_DIR"
	EnvTrustedKeys    = "TRUSTED_KEYS"
	EnvBatchWorkers   = "BATCH_WORKERS"
	EnvLogLevel       = "LOG_LEVEL"
	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvDriftWindow    = "DRIFT_WINDOW"
	EnvDriftThreshold = "DRIFT_THRESHOLD"
	EnvSelectorSeed   = "SELECTOR_SEED"
	EnvTrainingCSV    = "TRAINING_CSV"
	EnvSampleSize     = "SAMPLE_SIZE"
)

// Configuration defaults
const (
	DefaultListenPort     = 8443
	DefaultMetricsPort    = 9090
	DefaultArtifactsDir   = "models"
	DefaultDefaultModel   = "xgb"
	DefaultKeysDir        = "keys"
	DefaultBatchWorkers   = 4
	DefaultLogLevel       = "info"
	DefaultKeyBits        = 2048
	DefaultLabelColumn    = "Target"
	DefaultSampleSize     = 300_000
	DefaultTestFraction   = 0.3
	DefaultKNNNeighbours  = 5
	DefaultKNNMaxPoints   = 20_000
	DefaultTreeMaxDepth   = 12
	DefaultTreeMinLeaf    = 1
	DefaultLogRegEpochs   = 200
	DefaultLogRegRate     = 0.1
	DefaultBoostRounds    = 150
	DefaultBoostMaxDepth  = 6
	DefaultBoostRate      = 0.08
	DefaultBoostSubsample = 0.9
	DefaultBoostColSample = 0.9
	DefaultSeed           = 42
	DefaultRequestTimeout = "5s"
	DefaultDriftWindow    = 1000
	DefaultDriftThreshold = 0.25 // PSI above this is a significant shift
)

// Feature selector defaults
const (
	DefaultPopulation    = 12
	DefaultGenerations   = 8
	DefaultMaxQubits     = 40
	DefaultStep          = 0.06
	DefaultProbFloor     = 0.01
	DefaultProbCeil      = 0.99
	DefaultFolds         = 3
	DefaultFallbackSize  = 30
	DefaultSelectionCap  = 100
	DefaultTrimSize      = 50
	DefaultInitProbRange = 0.98
)

// DefaultModels lists the classifiers a training run produces and a
// server expects unless configured otherwise.
var DefaultModels = []string{"dt", "knn", "lr", "nb", "xgb"}

// Validation constants
const (
	MinKeyBits      = 2048
	MaxKeyBits      = 8192
	MinPort         = 1024
	MaxPort         = 65535
	MaxBatchWorkers = 256
	MaxBatchSize    = 10_000
)

// Source labels attached to every verification outcome.
const (
	SourceTrusted   = "TRUSTED"
	SourceUntrusted = "UNTRUSTED"
)
