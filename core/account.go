package core

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// MinTxFee is the smallest fee the mempool and block validation will accept.
const MinTxFee = 1

// SlashJailSeconds is how long a slashed validator stays jailed before
// AdvanceEpoch is willing to release it.
const SlashJailSeconds = 24 * 60 * 60

// ValidateTransaction checks a transaction against the current state
// without mutating it: signature, fee floor, nonce sequencing, balance
// sufficiency, and type-specific preconditions.
func ValidateTransaction(s State, tx *Transaction) error {
	if tx.From == GenesisAddress {
		return nil
	}
	if err := tx.ValidateFields(); err != nil {
		return err
	}
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if tx.Fee < MinTxFee {
		return fmt.Errorf("fee %d below minimum %d", tx.Fee, MinTxFee)
	}
	acc, err := s.GetAccount(tx.From)
	if err != nil {
		return err
	}
	if tx.Nonce != acc.Nonce {
		return fmt.Errorf("invalid nonce: expected %d, got %d", acc.Nonce, tx.Nonce)
	}
	total := tx.Amount + tx.Fee
	if acc.Balance < total {
		return fmt.Errorf("insufficient balance: have %d, need %d", acc.Balance, total)
	}
	switch tx.Type {
	case TxUnstake:
		v, err := s.GetValidator(tx.From)
		if err != nil {
			return err
		}
		if v == nil || v.Stake < tx.Amount {
			return errors.New("unstake amount exceeds staked balance")
		}
	case TxVote:
		v, err := s.GetValidator(tx.From)
		if err != nil {
			return err
		}
		if v == nil {
			return errors.New("vote requires sender to be a registered validator")
		}
	}
	return nil
}

// ApplyTransaction mutates state for a single transaction. Callers are
// expected to have validated the transaction first (ValidateTransaction)
// or to be replaying an already-committed block; ApplyTransaction itself
// only re-checks the invariants it must enforce to stay safe (balance,
// nonce) and returns an error rather than silently going negative.
func ApplyTransaction(s State, tx *Transaction) error {
	if tx.From == GenesisAddress {
		// The genesis transaction is a deterministic placeholder only; real
		// genesis balances are credited directly by the genesis block
		// constructor (config.CreateGenesisBlock), so replaying it is a
		// no-op.
		return nil
	}
	acc, err := s.GetAccount(tx.From)
	if err != nil {
		return err
	}
	total := tx.Amount + tx.Fee
	if acc.Balance < total {
		return fmt.Errorf("insufficient balance: have %d, need %d", acc.Balance, total)
	}
	if tx.Nonce != acc.Nonce {
		return fmt.Errorf("invalid nonce: expected %d, got %d", acc.Nonce, tx.Nonce)
	}
	acc.Balance -= total
	acc.Nonce++
	if err := s.SetAccount(acc); err != nil {
		return err
	}

	switch tx.Type {
	case TxTransfer:
		to, err := s.GetAccount(tx.To)
		if err != nil {
			return err
		}
		to.Balance += tx.Amount
		return s.SetAccount(to)

	case TxStake:
		v, err := s.GetValidator(tx.From)
		if err != nil {
			return err
		}
		if v == nil {
			v = &Validator{Address: tx.From}
		}
		v.Stake += tx.Amount
		v.Active = true
		return s.SetValidator(v)

	case TxUnstake:
		v, err := s.GetValidator(tx.From)
		if err != nil {
			return err
		}
		if v == nil || v.Stake < tx.Amount {
			return errors.New("unstake amount exceeds staked balance")
		}
		v.Stake -= tx.Amount
		if v.Stake == 0 {
			v.Active = false
		}
		if err := s.SetValidator(v); err != nil {
			return err
		}
		refund, err := s.GetAccount(tx.From)
		if err != nil {
			return err
		}
		refund.Balance += tx.Amount
		return s.SetAccount(refund)

	case TxVote:
		return nil

	default:
		return fmt.Errorf("unknown tx_type %q", tx.Type)
	}
}

// creditProducer pays amount (fees plus any fixed block reward) to the
// producer's account and, if the producer is a registered validator,
// records the height it last proposed.
func creditProducer(s State, producer string, amount, index uint64) {
	acc, err := s.GetAccount(producer)
	if err != nil {
		return
	}
	acc.Balance += amount
	_ = s.SetAccount(acc)

	v, err := s.GetValidator(producer)
	if err != nil || v == nil {
		return
	}
	h := index
	v.LastProposedBlock = &h
	_ = s.SetValidator(v)
}

// ApplyBlock applies every transaction in a block and credits total fees to
// the producer. Unlike ApplyTransaction called directly from block
// validation (which must reject the whole block on any failure), ApplyBlock
// is lenient: a transaction that no longer applies is skipped rather than
// treated as fatal. Blockchain does not call it; Init loads the persisted
// state as is, without replaying blocks.
func ApplyBlock(s State, txs []*Transaction, producer string, blockReward, index uint64) {
	var fees uint64
	for _, tx := range txs {
		if tx.From == GenesisAddress {
			continue
		}
		if err := ApplyTransaction(s, tx); err != nil {
			continue
		}
		fees += tx.Fee
	}
	if reward := fees + blockReward; producer != "" && reward > 0 {
		creditProducer(s, producer, reward, index)
	}
}

// ApplySlashing deducts ratio of each offending validator's stake, marks it
// slashed and jailed, and records when it becomes eligible for release.
// now is a unix-seconds timestamp (derived from the enclosing block).
//
// Each piece of evidence is an independent sub-operation: a storage failure
// on one offender must not stop the rest from being processed. Errors are
// joined with multierr so the caller sees every failure in one pass instead
// of only the first; the caller reverts the whole block on any non-nil
// return, so a joined error still rejects the block, just with a complete
// report of what went wrong.
func ApplySlashing(s State, evidence []*SlashingEvidence, ratio float64, now int64) error {
	var errs error
	for _, ev := range evidence {
		v, err := s.GetValidator(ev.Header1.Producer)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if v == nil || v.Slashed {
			continue
		}
		deduction := uint64(float64(v.Stake) * ratio)
		if deduction > v.Stake {
			deduction = v.Stake
		}
		v.Stake -= deduction
		v.Slashed = true
		v.Active = false
		v.Jailed = true
		v.JailUntil = now + SlashJailSeconds
		if err := s.SetValidator(v); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// AdvanceEpoch bumps the epoch counter and releases any validator whose
// jail term has expired by now (a unix-seconds timestamp). Released
// validators rejoin the active set only if they still have stake; a fully
// unstaked-and-jailed validator stays inactive until it stakes again.
func AdvanceEpoch(s State, now int64) error {
	idx, err := s.EpochIndex()
	if err != nil {
		return err
	}
	if err := s.SetEpochIndex(idx + 1); err != nil {
		return err
	}
	all, err := s.GetAllValidators()
	if err != nil {
		return err
	}
	for _, v := range all {
		if !v.Jailed || now < v.JailUntil {
			continue
		}
		v.Jailed = false
		if v.Stake > 0 {
			v.Active = true
		}
		if err := s.SetValidator(v); err != nil {
			return err
		}
	}
	return nil
}
