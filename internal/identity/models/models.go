package models

import (
	"strconv"
	"time"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

const (
	MinScore     = 0
	MaxScore     = 1000
	MinRiskClass = 0
	MaxRiskClass = 3
)

// RiskClass 0 means unclassified.
type RiskClass uint8

// Identity is the soulbound record bound to one wallet.
type Identity struct {
	Owner       id.WalletAddress
	RecordID    id.RecordID
	Score       int
	RiskClass   RiskClass
	LastUpdated time.Time
}

// Exists reports whether the record is bound. A zero record is what reads
// return for wallets without an identity.
func (i *Identity) Exists() bool {
	return i != nil && !i.RecordID.IsNil()
}

// Fields returns the audit representation of the record.
func (i *Identity) Fields() map[string]string {
	if i == nil {
		return map[string]string{
			"record_id":  "0",
			"score":      "0",
			"risk_class": "0",
		}
	}
	fields := map[string]string{
		"record_id":  i.RecordID.String(),
		"score":      strconv.Itoa(i.Score),
		"risk_class": strconv.Itoa(int(i.RiskClass)),
	}
	if !i.LastUpdated.IsZero() {
		fields["last_updated"] = i.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// ValidateScore checks score and riskClass ranges.
func ValidateScore(score, riskClass int) error {
	if score < MinScore || score > MaxScore {
		return dErrors.New(dErrors.CodeValidation, "score must be between 0 and 1000")
	}
	if riskClass < MinRiskClass || riskClass > MaxRiskClass {
		return dErrors.New(dErrors.CodeValidation, "risk class must be between 0 and 3")
	}
	return nil
}

// ScoreDelta is the absolute score change between two records.
func ScoreDelta(prev *Identity, score int) int {
	old := 0
	if prev != nil {
		old = prev.Score
	}
	if d := score - old; d >= 0 {
		return d
	}
	return old - score
}
