package didsol

import (
	"encoding/json"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// InstructionRecord is the history entry of one committed request.
type InstructionRecord struct {
	// assigned by the store, strictly increasing in commit order
	Seq        int64           `json:"seq"`
	DidAccount string          `json:"didAccount"`
	Type       string          `json:"type"`
	Authority  string          `json:"authority"`
	Nonce      int64           `json:"nonce"` // document nonce after the instruction
	Request    json.RawMessage `json:"request"`
	CreatedAt  string          `json:"createdAt"`
	CID        string          `json:"cid"`
}

// content addressed part of a record
type recordBody struct {
	DidAccount string
	Type       string
	Authority  string
	Nonce      int64
	Request    []byte
	CreatedAt  string
}

func init() {
	cbor.RegisterCborType(recordBody{})
}

func computeCID(b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

// NewInstructionRecord builds the record of a prepared instruction. Seq is
// left for the store to assign.
func NewInstructionRecord(p *PreparedInstruction, createdAt syntax.Datetime) (*InstructionRecord, error) {
	reqJSON, err := json.Marshal(p.Request)
	if err != nil {
		return nil, err
	}
	var nonce int64
	if p.Document != nil {
		nonce = int64(p.Document.Nonce)
	}
	body := recordBody{
		DidAccount: p.Request.DidAccount.String(),
		Type:       p.Request.Instruction.InstructionType(),
		Authority:  p.Request.Authority.String(),
		Nonce:      nonce,
		Request:    reqJSON,
		CreatedAt:  createdAt.String(),
	}
	out, err := cbor.DumpObject(body)
	if err != nil {
		return nil, fmt.Errorf("encoding instruction record: %w", err)
	}
	return &InstructionRecord{
		DidAccount: body.DidAccount,
		Type:       body.Type,
		Authority:  body.Authority,
		Nonce:      body.Nonce,
		Request:    reqJSON,
		CreatedAt:  body.CreatedAt,
		CID:        computeCID(out).String(),
	}, nil
}
