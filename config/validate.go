package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

// Validate reports every invalid setting in one joined error.
func (c Config) Validate() error {
	var errs []error
	if c.Ledger.RPCURL == "" {
		errs = append(errs, fmt.Errorf("ledger.rpc_url is required"))
	} else if u, err := url.Parse(c.Ledger.RPCURL); err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Errorf("ledger.rpc_url %q is not a url", c.Ledger.RPCURL))
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("ledger.chain_id must be positive"))
	}
	for name, addr := range map[string]string{
		"ledger.escrow_contract":   c.Ledger.EscrowContract,
		"ledger.disputes_contract": c.Ledger.DisputesContract,
		"ledger.jurors_contract":   c.Ledger.JurorsContract,
	} {
		if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
			errs = append(errs, fmt.Errorf("%s must be a non-zero address", name))
		}
	}
	for _, token := range c.Ledger.PaymentTokens {
		if !common.IsHexAddress(token) {
			errs = append(errs, fmt.Errorf("ledger.payment_tokens: %q is not an address", token))
		}
	}
	if c.Ledger.ReadsPerSecond < 0 || c.Ledger.ReadBurst < 0 {
		errs = append(errs, fmt.Errorf("ledger read limits must not be negative"))
	}
	if c.Ledger.ReceiptPoll < 0 || c.Cache.StaleAfter < 0 || c.Countdown.Tick < 0 {
		errs = append(errs, fmt.Errorf("durations must not be negative"))
	}
	if c.Signer.Key != "" {
		if raw, err := hex.DecodeString(c.Signer.Key); err != nil || len(raw) != 32 {
			errs = append(errs, fmt.Errorf("signer.key must be a 32-byte hex key"))
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn or error", c.Log.Level))
	}
	if c.HTTP.RequestsPerSecond < 0 || c.HTTP.Burst < 0 {
		errs = append(errs, fmt.Errorf("http rate limits must not be negative"))
	}
	return errors.Join(errs...)
}
