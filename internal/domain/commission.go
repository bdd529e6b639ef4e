package domain

// CommissionType classifies the transaction composition that selected the rate.
type CommissionType string

const (
	// CommissionTypeCustomizationFee applies to customization design fees.
	CommissionTypeCustomizationFee CommissionType = "customization_fee"
	// CommissionTypeDesignDominant applies when design value meets or exceeds product value.
	CommissionTypeDesignDominant CommissionType = "design_dominant"
	// CommissionTypeProductDominant applies when product value exceeds design value.
	CommissionTypeProductDominant CommissionType = "product_dominant"
	// CommissionTypeNone applies to zero-amount transactions.
	CommissionTypeNone CommissionType = "none"
)

const (
	commissionBasisPointsDesign  = 1000
	commissionBasisPointsProduct = 800
)

// CommissionParams describes a transaction's composition in minor currency units.
type CommissionParams struct {
	ProductSubtotal        int64
	DesignSubtotal         int64
	CustomizationDesignFee int64
}

// Commission is the platform's computed cut of a transaction.
type Commission struct {
	Type        CommissionType
	BasisPoints int64
	Amount      int64
}

// CalculateCommission maps a transaction's composition to a commission rate
// and amount. Pure integer arithmetic so checkout-time and payout-time
// invocations produce identical results.
func CalculateCommission(params CommissionParams) Commission {
	if params.CustomizationDesignFee > 0 {
		return Commission{
			Type:        CommissionTypeCustomizationFee,
			BasisPoints: commissionBasisPointsDesign,
			Amount:      commissionAmount(params.CustomizationDesignFee, commissionBasisPointsDesign),
		}
	}
	total := params.ProductSubtotal + params.DesignSubtotal
	if total <= 0 {
		return Commission{Type: CommissionTypeNone}
	}
	if params.DesignSubtotal >= params.ProductSubtotal {
		return Commission{
			Type:        CommissionTypeDesignDominant,
			BasisPoints: commissionBasisPointsDesign,
			Amount:      commissionAmount(total, commissionBasisPointsDesign),
		}
	}
	return Commission{
		Type:        CommissionTypeProductDominant,
		BasisPoints: commissionBasisPointsProduct,
		Amount:      commissionAmount(total, commissionBasisPointsProduct),
	}
}

func commissionAmount(amount, basisPoints int64) int64 {
	return amount * basisPoints / 10000
}
