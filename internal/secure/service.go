// Package secure composes the trust gate and the inference dispatcher.
// A record is verified first and only a verified record reaches a model;
// every decision is written to the audit trail.
package secure

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/trust"
	"sentinel-ids/internal/workpool"
)

// MetricsInterface defines metrics methods needed by the service
type MetricsInterface interface {
	VerificationsInc(source string)
	MalformedRecordsInc()
}

// AuditStore persists one decision per submitted record.
type AuditStore interface {
	RecordDecision(d storage.Decision) error
}

// Result is the answer to one submitted record. Prediction is nil unless
// the record was verified and inference succeeded.
type Result struct {
	RequestID  string         `json:"request_id"`
	Identity   string         `json:"identity"`
	Trusted    bool           `json:"trusted"`
	Source     trust.Source   `json:"source"`
	State      trust.State    `json:"state"`
	Prediction *ml.Prediction `json:"prediction,omitempty"`
	Error      string         `json:"error,omitempty"`
	Err        error          `json:"-"`
}

// Service is safe for concurrent use: the gate, the dispatcher and the
// registry behind them are read-only after startup.
type Service struct {
	gate         *trust.Gate
	dispatcher   *ml.Dispatcher
	audit        AuditStore
	metrics      MetricsInterface
	defaultModel string
	workers      int
}

type Option func(*Service)

func WithAudit(a AuditStore) Option {
	return func(s *Service) { s.audit = a }
}

func WithMetrics(m MetricsInterface) Option {
	return func(s *Service) { s.metrics = m }
}

func WithDefaultModel(id string) Option {
	return func(s *Service) { s.defaultModel = id }
}

func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func New(gate *trust.Gate, dispatcher *ml.Dispatcher, opts ...Option) *Service {
	s := &Service{
		gate:         gate,
		dispatcher:   dispatcher,
		defaultModel: common.DefaultDefaultModel,
		workers:      common.DefaultBatchWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Gate() *trust.Gate { return s.gate }

func (s *Service) Dispatcher() *ml.Dispatcher { return s.dispatcher }

func (s *Service) DefaultModel() string { return s.defaultModel }

// Submit verifies rec and, only when the signature holds, runs it through
// modelID (the default model when empty). An unverified record yields an
// untrusted Result with no prediction and a nil error: rejection is an
// answer, not a failure. Malformed envelopes and inference failures are
// returned as errors and also recorded on the Result.
func (s *Service) Submit(ctx context.Context, rec trust.SignedRecord, modelID string) (Result, error) {
	if modelID == "" {
		modelID = s.defaultModel
	}
	res := Result{RequestID: uuid.NewString(), Identity: rec.Identity, Source: trust.SourceUntrusted, State: trust.StateReceived}
	if err := ctx.Err(); err != nil {
		return s.fail(res, modelID, err)
	}

	vr, err := s.gate.VerifyRecord(rec)
	res.State = vr.State
	if err != nil {
		if s.metrics != nil {
			s.metrics.MalformedRecordsInc()
		}
		return s.fail(res, modelID, err)
	}

	res.Trusted = vr.Valid
	res.Source = vr.Source
	if s.metrics != nil {
		s.metrics.VerificationsInc(string(vr.Source))
	}
	if !vr.Valid {
		log.Warn().Str("request_id", res.RequestID).Str("identity", rec.Identity).Msg("verification failed, prediction withheld")
		s.record(res, modelID)
		return res, nil
	}

	pred, err := s.dispatcher.PredictPayload(vr.Payload, modelID)
	if err != nil {
		return s.fail(res, modelID, fmt.Errorf("request %s: %w", res.RequestID, err))
	}
	pred.Trusted = true
	pred.Source = string(vr.Source)
	res.Prediction = &pred

	log.Debug().
		Str("request_id", res.RequestID).
		Str("identity", rec.Identity).
		Str("model", modelID).
		Int("label", pred.Label).
		Float64("probability", pred.Probability).
		Msg("verified record classified")
	s.record(res, modelID)
	return res, nil
}

// SecurePredict signs payload with kp on the caller's behalf and submits
// it. It exists for self-tests and demonstrations; deployed callers sign
// before transmission.
func (s *Service) SecurePredict(ctx context.Context, kp *trust.KeyPair, payload trust.Payload, modelID string) (Result, error) {
	rec, err := trust.SignRecord(kp, payload)
	if err != nil {
		return Result{Source: trust.SourceUntrusted, Error: err.Error(), Err: err}, err
	}
	return s.Submit(ctx, rec, modelID)
}

// BatchSubmit submits every record concurrently and returns results in
// input order. Per-record errors are attached to that record's Result.
// Once ctx is cancelled no further records are started; those carry the
// context error.
func (s *Service) BatchSubmit(ctx context.Context, recs []trust.SignedRecord, modelID string) []Result {
	results := make([]Result, len(recs))
	workpool.Run(ctx, len(recs), s.workers, func(ctx context.Context, i int) {
		results[i], _ = s.Submit(ctx, recs[i], modelID)
	}, func(i int, err error) {
		results[i] = Result{
			Identity: recs[i].Identity,
			Source:   trust.SourceUntrusted,
			State:    trust.StateReceived,
			Error:    err.Error(),
			Err:      err,
		}
	})
	return results
}

func (s *Service) fail(res Result, modelID string, err error) (Result, error) {
	res.Err = err
	res.Error = err.Error()
	s.record(res, modelID)
	return res, err
}

func (s *Service) record(res Result, modelID string) {
	if s.audit == nil {
		return
	}
	d := storage.Decision{
		RequestID: res.RequestID,
		Identity:  res.Identity,
		Source:    string(res.Source),
		Valid:     res.Trusted,
		State:     string(res.State),
		Error:     res.Error,
		Ts:        time.Now().UTC(),
	}
	if res.Prediction != nil {
		label := res.Prediction.Label
		d.Label = &label
		d.Probability = res.Prediction.Probability
		d.ModelID = modelID
	}
	if err := s.audit.RecordDecision(d); err != nil {
		log.Warn().Err(err).Str("request_id", res.RequestID).Msg("failed to record decision")
	}
}
