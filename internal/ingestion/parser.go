package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ClearLedger/internal/errs"
	"ClearLedger/internal/event"
	"ClearLedger/internal/ledger"
)

// Decoder turns JSON command payloads into typed commands. Amounts and
// prices are decimal strings or numbers in major units; the decoder scales
// them to integer minor units and rejects anything finer than the scale.
// NATS ingestion and the API share it.
type Decoder struct {
	scale int32
}

func NewDecoder(amountScale int32) *Decoder {
	return &Decoder{scale: amountScale}
}

// Scale returns the number of decimal places amounts carry.
func (d *Decoder) Scale() int32 {
	return d.scale
}

// Decode parses data as the payload of op. meta carries the caller and, for
// venue commands, the venue.
func (d *Decoder) Decode(op event.CommandType, meta event.Meta, data []byte) (event.Command, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	switch op {
	case event.CommandDeposit:
		var j accountAmountJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Deposit{Meta: meta, Account: j.Account, Amount: amount}, nil

	case event.CommandWithdrawCollateral, event.CommandWithdrawPnL:
		var j accountAmountJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		if op == event.CommandWithdrawPnL {
			return &event.WithdrawPnL{Meta: meta, Account: j.Account, Amount: amount}, nil
		}
		return &event.WithdrawCollateral{Meta: meta, Account: j.Account, Amount: amount}, nil

	case event.CommandCreditPnl, event.CommandSeizeCollateral:
		var j settlementJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		if op == event.CommandSeizeCollateral {
			return &event.SeizeCollateral{Meta: meta, Account: j.Account, Amount: amount, ReferenceID: j.ReferenceID, Symbol: j.Symbol}, nil
		}
		return &event.CreditPnl{Meta: meta, Account: j.Account, Amount: amount, ReferenceID: j.ReferenceID, Symbol: j.Symbol}, nil

	case event.CommandLockMargin, event.CommandUnlockMargin:
		var j marginJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		if op == event.CommandUnlockMargin {
			return &event.UnlockMargin{Meta: meta, Account: j.Account, Amount: amount, PositionID: j.PositionID}, nil
		}
		return &event.LockMargin{Meta: meta, Account: j.Account, Amount: amount, PositionID: j.PositionID}, nil

	case event.CommandFundPool, event.CommandDepositInsurance, event.CommandWithdrawInsurance, event.CommandContributeDefaultFund:
		var j amountJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		switch op {
		case event.CommandFundPool:
			return &event.FundPool{Meta: meta, Amount: amount}, nil
		case event.CommandDepositInsurance:
			return &event.DepositInsurance{Meta: meta, Amount: amount}, nil
		case event.CommandWithdrawInsurance:
			return &event.WithdrawInsurance{Meta: meta, Amount: amount}, nil
		}
		return &event.ContributeDefaultFund{Meta: meta, Amount: amount}, nil

	case event.CommandSetCaps:
		var j capsJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		perAccount, err := d.Units(j.PerAccount)
		if err != nil {
			return nil, err
		}
		global, err := d.Units(j.Global)
		if err != nil {
			return nil, err
		}
		return &event.SetCaps{Meta: meta, Caps: ledger.CapLimits{PerAccount: perAccount, Global: global}}, nil

	case event.CommandSetAccountCap:
		var j accountCapJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		limit, err := d.Units(j.Limit)
		if err != nil {
			return nil, err
		}
		return &event.SetAccountCap{Meta: meta, Account: j.Account, Limit: limit}, nil

	case event.CommandSuspendSettlement:
		return &event.SuspendSettlement{Meta: meta}, nil
	case event.CommandResumeSettlement:
		return &event.ResumeSettlement{Meta: meta}, nil
	case event.CommandExecuteNetting:
		return &event.ExecuteNetting{Meta: meta}, nil

	case event.CommandRecordObligation, event.CommandSettleImmediate:
		var j transferJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		if op == event.CommandSettleImmediate {
			return &event.SettleImmediate{Meta: meta, From: j.From, To: j.To, Amount: amount, ReferenceID: j.ReferenceID}, nil
		}
		return &event.RecordObligation{Meta: meta, From: j.From, To: j.To, Amount: amount, ReferenceID: j.ReferenceID}, nil

	case event.CommandDepositGuarantee, event.CommandWithdrawGuarantee:
		var j guaranteeJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		amount, err := d.Units(j.Amount)
		if err != nil {
			return nil, err
		}
		if op == event.CommandWithdrawGuarantee {
			return &event.WithdrawGuarantee{Meta: meta, Party: j.Party, Amount: amount}, nil
		}
		return &event.DepositGuarantee{Meta: meta, Party: j.Party, Amount: amount}, nil

	case event.CommandSetGuaranteeMinimum:
		var j guaranteeMinimumJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		minimum, err := d.Units(j.Minimum)
		if err != nil {
			return nil, err
		}
		return &event.SetGuaranteeMinimum{Meta: meta, Party: j.Party, Minimum: minimum}, nil

	case event.CommandResolveManual:
		var j resolveJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(j.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: id: %v", errs.ErrInvalidPayload, err)
		}
		return &event.ResolveManual{Meta: meta, ID: id}, nil

	case event.CommandPriceUpdate:
		var j priceJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		price, err := d.Units(j.Price)
		if err != nil {
			return nil, err
		}
		ts := meta.ReceivedAt
		if j.TimestampUs != 0 {
			ts = time.UnixMicro(j.TimestampUs).UTC()
		}
		return &event.PriceUpdate{Meta: meta, Symbol: j.Symbol, Price: price, Timestamp: ts}, nil

	case event.CommandHaltMarket, event.CommandResumeMarket:
		var j symbolJSON
		if err := d.unmarshal(data, &j); err != nil {
			return nil, err
		}
		if op == event.CommandResumeMarket {
			return &event.ResumeMarket{Meta: meta, Symbol: j.Symbol}, nil
		}
		return &event.HaltMarket{Meta: meta, Symbol: j.Symbol}, nil
	}

	return nil, fmt.Errorf("%w: %s", errs.ErrUnknownCommand, op)
}

// Units converts a major-unit decimal into integer minor units.
func (d *Decoder) Units(v decimal.Decimal) (int64, error) {
	scaled := v.Shift(d.scale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", errs.ErrInvalidAmount, v, d.scale)
	}
	n := scaled.BigInt()
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: %s out of range", errs.ErrInvalidAmount, v)
	}
	return n.Int64(), nil
}

// Major converts integer minor units back to a major-unit decimal.
func (d *Decoder) Major(units int64) decimal.Decimal {
	return decimal.New(units, -d.scale)
}

func (d *Decoder) unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}
	return nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type accountAmountJSON struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

type settlementJSON struct {
	Account     string          `json:"account"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id"`
	Symbol      string          `json:"symbol,omitempty"`
}

type marginJSON struct {
	Account    string          `json:"account"`
	Amount     decimal.Decimal `json:"amount"`
	PositionID string          `json:"position_id"`
}

type amountJSON struct {
	Amount decimal.Decimal `json:"amount"`
}

type capsJSON struct {
	PerAccount decimal.Decimal `json:"per_account"`
	Global     decimal.Decimal `json:"global"`
}

type accountCapJSON struct {
	Account string          `json:"account"`
	Limit   decimal.Decimal `json:"limit"`
}

type transferJSON struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id"`
}

type guaranteeJSON struct {
	Party  string          `json:"party"`
	Amount decimal.Decimal `json:"amount"`
}

type guaranteeMinimumJSON struct {
	Party   string          `json:"party"`
	Minimum decimal.Decimal `json:"minimum"`
}

type resolveJSON struct {
	ID string `json:"id"`
}

type priceJSON struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	TimestampUs int64           `json:"timestamp_us,omitempty"`
}

type symbolJSON struct {
	Symbol string `json:"symbol"`
}
