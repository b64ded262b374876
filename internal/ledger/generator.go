package ledger

import (
	"github.com/google/uuid"
)

// Batch generators for every committed operation. Journals are records of
// mutations that already happened inside the components; failed operations
// never reach a generator. Each generator mirrors the exact legs the
// operation performed so journal replay reproduces the book.

// GenerateDepositBatch records a settled deposit: external reserve -> user.
func GenerateDepositBatch(eventRef string, sequence, timestamp int64, user uuid.UUID, assetID AssetID, amount uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeDeposit, NewUserAccount(user, assetID), NewExternalAccount(assetID), assetID, amount)
}

// GenerateWithdrawalBatch records a settled withdrawal: user -> external reserve.
func GenerateWithdrawalBatch(eventRef string, sequence, timestamp int64, user uuid.UUID, assetID AssetID, amount uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeWithdrawal, NewExternalAccount(assetID), NewUserAccount(user, assetID), assetID, amount)
}

// GeneratePoolFundingBatch records administrative liquidity arriving in the
// protocol pool: external reserve -> pool.
func GeneratePoolFundingBatch(eventRef string, sequence, timestamp int64, assetID AssetID, amount uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeDeposit, NewPoolAccount(assetID), NewExternalAccount(assetID), assetID, amount)
}

// GenerateLoanOpenBatch records a loan opening: collateral moves into pool
// custody, then principal leaves the pool for the borrower.
func GenerateLoanOpenBatch(eventRef string, sequence, timestamp int64, borrower uuid.UUID,
	collateralAsset AssetID, collateralAmount uint64, borrowAsset AssetID, principal uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeCollateralLock, NewPoolAccount(collateralAsset), NewUserAccount(borrower, collateralAsset), collateralAsset, collateralAmount).
		Add(JournalTypePrincipalRelease, NewUserAccount(borrower, borrowAsset), NewPoolAccount(borrowAsset), borrowAsset, principal)
}

// GenerateRepaymentBatch records a full repayment: principal and interest
// return to the pool, collateral returns to the borrower. The interest leg
// is omitted when no interest accrued.
func GenerateRepaymentBatch(eventRef string, sequence, timestamp int64, borrower uuid.UUID,
	borrowAsset AssetID, principal, interest uint64, collateralAsset AssetID, collateralAmount uint64) *Batch {
	b := NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeRepayment, NewPoolAccount(borrowAsset), NewUserAccount(borrower, borrowAsset), borrowAsset, principal)
	if interest > 0 {
		b.Add(JournalTypeInterestPayment, NewPoolAccount(borrowAsset), NewUserAccount(borrower, borrowAsset), borrowAsset, interest)
	}
	return b.Add(JournalTypeCollateralReturn, NewUserAccount(borrower, collateralAsset), NewPoolAccount(collateralAsset), collateralAsset, collateralAmount)
}

// GenerateLiquidationBatch records a liquidation: the liquidator covers the
// debt and seizes the locked collateral.
func GenerateLiquidationBatch(eventRef string, sequence, timestamp int64, liquidator uuid.UUID,
	borrowAsset AssetID, repayAmount uint64, collateralAsset AssetID, collateralAmount uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeLiquidationRepay, NewPoolAccount(borrowAsset), NewUserAccount(liquidator, borrowAsset), borrowAsset, repayAmount).
		Add(JournalTypeCollateralSeize, NewUserAccount(liquidator, collateralAsset), NewPoolAccount(collateralAsset), collateralAsset, collateralAmount)
}

// GenerateFlashLendBatch records the opening leg of a flash loan: pool -> borrower.
func GenerateFlashLendBatch(eventRef string, sequence, timestamp int64, borrower uuid.UUID, assetID AssetID, amount uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeFlashLend, NewUserAccount(borrower, assetID), NewPoolAccount(assetID), assetID, amount)
}

// GenerateFlashRepayBatch records the settling leg of a flash loan:
// borrower -> pool, covering everything repaid through the session.
func GenerateFlashRepayBatch(eventRef string, sequence, timestamp int64, borrower uuid.UUID, assetID AssetID, repaid uint64) *Batch {
	return NewBatch(eventRef, sequence, timestamp).
		Add(JournalTypeFlashRepay, NewPoolAccount(assetID), NewUserAccount(borrower, assetID), assetID, repaid)
}
