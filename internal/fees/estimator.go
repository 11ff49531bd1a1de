package fees

import (
	"github.com/shopspring/decimal"

	"shieldgate/internal/errs"
	"shieldgate/internal/zaddr"
	"shieldgate/internal/zec"
)

// Policy holds the fee model: a flat base plus a marginal cost per logical
// action, both in zatoshis.
type Policy struct {
	BaseFeeZat     int64
	MarginalFeeZat int64
}

// Estimate is the outcome of a fee estimation.
type Estimate struct {
	FeeZat         int64
	LogicalActions int
	IsApproximate  bool
	Destination    zaddr.Classification
}

// FeeZEC renders the fee as a ZEC decimal.
func (e Estimate) FeeZEC() decimal.Decimal {
	return zec.FromZatoshis(e.FeeZat)
}

// Estimator computes withdrawal fees from the shape of the transfer.
type Estimator struct {
	policy Policy
}

// NewEstimator builds an estimator from a fee policy.
func NewEstimator(policy Policy) *Estimator {
	return &Estimator{policy: policy}
}

// Logical action counts per destination family. The source pool is always
// shielded, so every transfer carries one spend and one primary output;
// transparent and cross-pool destinations add padding or bridge outputs.
const (
	actionsSapling     = 2
	actionsTransparent = 3
	actionsUnified     = 4
	actionsSprout      = 4
)

// Estimate returns the fee for sending amountZat to destination. When the
// destination receiver cannot be resolved (unified, legacy sprout) the
// estimate is flagged approximate and uses the largest plausible action
// count, so it never undershoots the true fee.
func (es *Estimator) Estimate(amountZat int64, destination string) (Estimate, error) {
	if amountZat <= 0 {
		return Estimate{}, errs.New(errs.CodeValidation, "amount must be positive")
	}

	cls := zaddr.Classify(destination)
	if !cls.Valid {
		return Estimate{}, errs.New(errs.CodeValidation, "unrecognised destination address")
	}

	var actions int
	var approximate bool
	switch cls.Type {
	case zaddr.TypeSapling:
		actions = actionsSapling
	case zaddr.TypeTransparent:
		actions = actionsTransparent
	case zaddr.TypeUnified:
		actions = actionsUnified
		approximate = true
	case zaddr.TypeSprout:
		actions = actionsSprout
		approximate = true
	default:
		return Estimate{}, errs.New(errs.CodeValidation, "unsupported destination type %q", cls.Type)
	}

	return Estimate{
		FeeZat:         es.policy.BaseFeeZat + int64(actions)*es.policy.MarginalFeeZat,
		LogicalActions: actions,
		IsApproximate:  approximate,
		Destination:    cls,
	}, nil
}
