package event

import (
	sdkmath "cosmossdk.io/math"

	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
)

// NotificationType names an outbound event emitted by an applied command.
type NotificationType int32

const (
	NotificationLiquidityAdded NotificationType = iota + 1
	NotificationLiquidityWithdrawn
	NotificationPolicyCreated
	NotificationPolicyRepayed
	NotificationFeeCollected
	NotificationAssetDeposited
	NotificationApproval
)

func (nt NotificationType) String() string {
	switch nt {
	case NotificationLiquidityAdded:
		return "LiquidityAdded"
	case NotificationLiquidityWithdrawn:
		return "LiquidityWithdrawn"
	case NotificationPolicyCreated:
		return "PolicyCreated"
	case NotificationPolicyRepayed:
		return "PolicyRepayed"
	case NotificationFeeCollected:
		return "FeeCollected"
	case NotificationAssetDeposited:
		return "AssetDeposited"
	case NotificationApproval:
		return "Approval"
	default:
		return "Unknown"
	}
}

func (nt NotificationType) MarshalText() ([]byte, error) {
	return []byte(nt.String()), nil
}

// Notification is one emitted event. Fields not carried by a given type are
// left zero and omitted from JSON.
type Notification struct {
	Type     NotificationType `json:"type"`
	Sequence int64            `json:"sequence"`
	PolicyID *state.PolicyID  `json:"policy_id,omitempty"`
	Holder   *ledger.Address  `json:"holder,omitempty"`
	Spender  *ledger.Address  `json:"spender,omitempty"`
	Asset    ledger.Asset     `json:"asset,omitempty"`
	Amount   sdkmath.Int      `json:"amount"`
}

func LiquidityAdded(amount sdkmath.Int) Notification {
	return Notification{Type: NotificationLiquidityAdded, Amount: amount}
}

func LiquidityWithdrawn(amount sdkmath.Int) Notification {
	return Notification{Type: NotificationLiquidityWithdrawn, Amount: amount}
}

func PolicyCreated(id state.PolicyID, holder ledger.Address, insuredAmount sdkmath.Int) Notification {
	return Notification{Type: NotificationPolicyCreated, PolicyID: &id, Holder: &holder, Amount: insuredAmount}
}

func PolicyRepayed(id state.PolicyID, repayment sdkmath.Int) Notification {
	return Notification{Type: NotificationPolicyRepayed, PolicyID: &id, Amount: repayment}
}

func FeeCollected(amount sdkmath.Int) Notification {
	return Notification{Type: NotificationFeeCollected, Amount: amount}
}

func AssetDeposited(holder ledger.Address, asset ledger.Asset, amount sdkmath.Int) Notification {
	return Notification{Type: NotificationAssetDeposited, Holder: &holder, Asset: asset, Amount: amount}
}

func Approval(owner, spender ledger.Address, asset ledger.Asset, amount sdkmath.Int) Notification {
	return Notification{Type: NotificationApproval, Holder: &owner, Spender: &spender, Asset: asset, Amount: amount}
}
