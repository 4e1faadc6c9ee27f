package event

import (
	"encoding/json"
	"fmt"
)

// NewCommand returns an empty command of the given type.
func NewCommand(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeDepositAsset:
		return &DepositAsset{}, nil
	case CommandTypeApprove:
		return &Approve{}, nil
	case CommandTypeAddLiquidity:
		return &AddLiquidity{}, nil
	case CommandTypeWithdrawLiquidity:
		return &WithdrawLiquidity{}, nil
	case CommandTypeCreatePolicy:
		return &CreatePolicy{}, nil
	case CommandTypeGetRepayment:
		return &GetRepayment{}, nil
	case CommandTypeCollectFee:
		return &CollectFee{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// DecodeCommand parses a JSON payload as produced by encoding the command
// itself. The event log stores payloads in this form.
func DecodeCommand(ct CommandType, data []byte) (Command, error) {
	cmd, err := NewCommand(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
