package didsol

import (
	"encoding/json"
	"fmt"

	cbor "github.com/ipfs/go-ipld-cbor"
)

// Validate checks self-consistency of this record in isolation: the CID
// covers the record body and the request matches the recorded type and DID
// account. Does not access other context or records.
func (r *InstructionRecord) Validate() error {
	body := recordBody{
		DidAccount: r.DidAccount,
		Type:       r.Type,
		Authority:  r.Authority,
		Nonce:      r.Nonce,
		Request:    r.Request,
		CreatedAt:  r.CreatedAt,
	}
	out, err := cbor.DumpObject(body)
	if err != nil {
		return fmt.Errorf("encoding instruction record: %w", err)
	}
	if computeCID(out).String() != r.CID {
		return fmt.Errorf("record %d: CID didn't match computed record CID", r.Seq)
	}

	var req Request
	if err := json.Unmarshal(r.Request, &req); err != nil {
		return fmt.Errorf("record %d: %w", r.Seq, err)
	}
	if req.Instruction.InstructionType() != r.Type {
		return fmt.Errorf("record %d: request is %s, recorded as %s", r.Seq, req.Instruction.InstructionType(), r.Type)
	}
	if req.DidAccount.String() != r.DidAccount || req.Authority.String() != r.Authority {
		return fmt.Errorf("record %d: request accounts don't match the record", r.Seq)
	}
	return nil
}

// VerifyHistory checks an ordered list of records for a single DID account,
// as returned by AccountStore.GetHistory. Signatures are not part of the
// records, so authorization cannot be re-checked; the structure of the
// lifecycle and the nonce progression can.
func VerifyHistory(records []*InstructionRecord) error {
	if len(records) == 0 {
		return fmt.Errorf("can't verify empty instruction history")
	}

	did := records[0].DidAccount
	var prev *InstructionRecord
	for _, r := range records {
		if r.DidAccount != did {
			return fmt.Errorf("inconsistent DID account")
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if prev != nil && r.Seq <= prev.Seq {
			return fmt.Errorf("record %d: sequence is not increasing", r.Seq)
		}

		live := prev != nil && prev.Type != "close"
		switch r.Type {
		case "initialize", "migrate":
			if live {
				return fmt.Errorf("record %d: %s of a live document", r.Seq, r.Type)
			}
			if r.Nonce != 0 {
				return fmt.Errorf("record %d: fresh document with nonce %d", r.Seq, r.Nonce)
			}
		default:
			if !live {
				return fmt.Errorf("record %d: %s before initialization", r.Seq, r.Type)
			}
			if r.Type == "close" {
				break
			}
			if r.Nonce != prev.Nonce && r.Nonce != prev.Nonce+1 {
				return fmt.Errorf("record %d: nonce jumped from %d to %d", r.Seq, prev.Nonce, r.Nonce)
			}
		}
		prev = r
	}
	return nil
}
