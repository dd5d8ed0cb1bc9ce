// Package jobs builds mining jobs from daemon block templates and
// validates share submissions against them.
package jobs

import "encoding/json"

// TemplateTx is one non-coinbase transaction in a block template
type TemplateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
}

// BlockTemplate is the daemon's getblocktemplate result, reduced to the
// fields the job pipeline consumes.
type BlockTemplate struct {
	Version           uint32       `json:"version"`
	PreviousBlockHash string       `json:"previousblockhash"`
	Transactions      []TemplateTx `json:"transactions"`
	CoinbaseValue     int64        `json:"coinbasevalue"`
	Target            string       `json:"target"`
	MinTime           int64        `json:"mintime"`
	CurTime           int64        `json:"curtime"`
	Bits              string       `json:"bits"`
	Height            int64        `json:"height"`

	// Merge-mined chains carry the auxiliary solution version here.
	SolutionVersion int `json:"solution_version,omitempty"`
}

// ParseTemplate decodes a raw getblocktemplate result
func ParseTemplate(raw json.RawMessage) (*BlockTemplate, error) {
	var t BlockTemplate
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ID returns the transaction's id, preferring txid over hash
func (t TemplateTx) ID() string {
	if t.TxID != "" {
		return t.TxID
	}
	return t.Hash
}
