package aave

import (
	xerrors "OpenLend-Chain/internal/errors"
)

// 借贷领域的错误码。风控类错误不可重试，直接转为带建议的用户回复。
const (
	CodeUnknownAsset       xerrors.Code = "UNKNOWN_ASSET"
	CodeInvalidRateMode    xerrors.Code = "INVALID_RATE_MODE"
	CodeNoPosition         xerrors.Code = "NO_POSITION"
	CodeInsufficientFunds  xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeHealthFactorFloor  xerrors.Code = "HEALTH_FACTOR_TOO_LOW"
	CodeEModeIncompatible  xerrors.Code = "EMODE_INCOMPATIBLE"
	CodeBorrowNotEnabled   xerrors.Code = "BORROW_NOT_ENABLED"
	CodeNothingToRepay     xerrors.Code = "NOTHING_TO_REPAY"
)

func init() {
	xerrors.Register(CodeUnknownAsset, xerrors.Attributes{
		Message:  "asset not listed in market",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidRateMode, xerrors.Attributes{
		Message:  "unsupported interest rate mode",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNoPosition, xerrors.Attributes{
		Message:  "wallet has no position in this reserve",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "wallet balance too low",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHealthFactorFloor, xerrors.Attributes{
		Message:  "operation would push health factor below safety floor",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEModeIncompatible, xerrors.Attributes{
		Message:  "current borrows are incompatible with the requested eMode category",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBorrowNotEnabled, xerrors.Attributes{
		Message:  "borrowing disabled for this reserve",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNothingToRepay, xerrors.Attributes{
		Message:  "no outstanding debt to repay",
		Severity: xerrors.SeverityInfo,
	})
}
