package secure

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/common"
	"sentinel-ids/internal/traffic"
	"sentinel-ids/internal/trust"
)

// tamperedField is altered after signing in the tampering scenario.
const tamperedField = "Rate"

// ScenarioOutcome is the result of one self-test scenario.
type ScenarioOutcome struct {
	Name        string `json:"name"`
	WantTrusted bool   `json:"want_trusted"`
	Result      Result `json:"result"`
	Passed      bool   `json:"passed"`
}

// AlertOutcome is the verdict of the pipeline on one attack profile.
type AlertOutcome struct {
	Alert  traffic.Alert `json:"alert"`
	Result Result        `json:"result"`
}

// ScenarioReport collects the three trust scenarios and the alert analysis.
type ScenarioReport struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Alerts    []AlertOutcome    `json:"alerts"`
}

// Passed reports whether every trust scenario behaved as expected.
func (r ScenarioReport) Passed() bool {
	for _, sc := range r.Scenarios {
		if !sc.Passed {
			return false
		}
	}
	return len(r.Scenarios) > 0
}

// RunScenarios exercises the pipeline end to end on behalf of legit, an
// identity the gate trusts:
//
//	A  legit signs, the gate verifies, a prediction is returned
//	B  an impostor claims legit's identity with its own key
//	C  a record that verified is altered after signing
//
// followed by one secure prediction per traffic.Alerts profile.
func RunScenarios(ctx context.Context, s *Service, legit *trust.KeyPair, gen *traffic.Generator, modelID string) (ScenarioReport, error) {
	var report ScenarioReport
	if legit == nil {
		return report, fmt.Errorf("%w: no key pair for self-test", trust.ErrInvalidKey)
	}
	if _, ok := s.gate.Registry().Lookup(legit.Identity); !ok {
		return report, fmt.Errorf("%w: identity %q is not trusted by the gate", trust.ErrKeyNotFound, legit.Identity)
	}

	// A: legitimate user
	res, err := s.SecurePredict(ctx, legit, gen.Sample(traffic.Normal), modelID)
	if err != nil {
		return report, fmt.Errorf("legitimate scenario: %w", err)
	}
	report.add("legitimate user", true, res, res.Trusted && res.Prediction != nil)

	// B: impersonation
	impostor, err := trust.GenerateKeyPair(legit.Identity, common.DefaultKeyBits)
	if err != nil {
		return report, fmt.Errorf("impersonation scenario: %w", err)
	}
	res, err = s.SecurePredict(ctx, impostor, gen.Sample(traffic.Severe), modelID)
	if err != nil {
		return report, fmt.Errorf("impersonation scenario: %w", err)
	}
	report.add("impersonation", false, res, !res.Trusted && res.Prediction == nil)

	// C: tampering after signing
	rec, err := trust.SignRecord(legit, gen.Sample(traffic.Normal))
	if err != nil {
		return report, fmt.Errorf("tampering scenario: %w", err)
	}
	before, err := s.Submit(ctx, rec, modelID)
	if err != nil {
		return report, fmt.Errorf("tampering scenario: %w", err)
	}
	tampered := rec
	tampered.Payload = make(trust.Payload, len(rec.Payload))
	for k, v := range rec.Payload {
		tampered.Payload[k] = v
	}
	tampered.Payload[tamperedField] = rec.Payload[tamperedField]*10 + 1
	res, err = s.Submit(ctx, tampered, modelID)
	if err != nil {
		return report, fmt.Errorf("tampering scenario: %w", err)
	}
	report.add("tampering", false, res, before.Trusted && !res.Trusted && res.Prediction == nil)

	for _, alert := range traffic.Alerts {
		res, err := s.SecurePredict(ctx, legit, gen.Sample(alert.Severity), modelID)
		if err != nil {
			return report, fmt.Errorf("alert %s: %w", alert.Kind, err)
		}
		report.Alerts = append(report.Alerts, AlertOutcome{Alert: alert, Result: res})
	}

	log.Info().Bool("passed", report.Passed()).Int("alerts", len(report.Alerts)).Msg("self-test finished")
	return report, nil
}

func (r *ScenarioReport) add(name string, wantTrusted bool, res Result, passed bool) {
	r.Scenarios = append(r.Scenarios, ScenarioOutcome{Name: name, WantTrusted: wantTrusted, Result: res, Passed: passed})
	ev := log.Info()
	if !passed {
		ev = log.Error()
	}
	ev.Str("scenario", name).Bool("trusted", res.Trusted).Bool("passed", passed).Msg("scenario")
}
