// Package storage provides the shared Redis-backed accounting store.
package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// ShareData is what the share processor writes for one share event
type ShareData struct {
	Worker     string
	Diff       float64
	Valid      bool
	Height     int64
	BlockHash  string // set iff a candidate block was accepted by the daemon
	TxHash     string
	BlockOnlyPBaaS bool // block exists only on a merge-mined auxiliary chain
	BlockInvalid   bool // candidate block rejected by the daemon
}

// PendingBlock is one member of the blocksPending set, serialized as
// blockHash:txHash:height:minedby:time
type PendingBlock struct {
	BlockHash string
	TxHash    string
	Height    int64
	MinedBy   string
	Time      int64 // epoch-ms

	Raw string // original set member, needed for SMOVE
}

// ParsePendingBlock parses a blocksPending set member
func ParsePendingBlock(raw string) (PendingBlock, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 5 {
		return PendingBlock{}, fmt.Errorf("malformed pending block record: %q", raw)
	}
	height, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PendingBlock{}, fmt.Errorf("bad height in pending block record %q: %w", raw, err)
	}
	t, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return PendingBlock{}, fmt.Errorf("bad time in pending block record %q: %w", raw, err)
	}
	return PendingBlock{
		BlockHash: parts[0],
		TxHash:    parts[1],
		Height:    height,
		MinedBy:   parts[3],
		Time:      t,
		Raw:       raw,
	}, nil
}

// Serialize renders the set-member form
func (b PendingBlock) Serialize() string {
	return fmt.Sprintf("%s:%s:%d:%s:%d", b.BlockHash, b.TxHash, b.Height, b.MinedBy, b.Time)
}

// PaymentRecord is one entry of the payments sorted set
type PaymentRecord struct {
	Time    int64              `json:"time"`
	TxID    string             `json:"txid"`
	Amount  float64            `json:"amount"`
	Fee     float64            `json:"fee"`
	Workers int                `json:"workers"`
	Paid    map[string]float64 `json:"paid"`
}

// Command is one store mutation in a JSON-dumpable form. The payment
// processor builds its stage-5 commit as a []Command so a failed
// MULTI/EXEC can be written verbatim to the recovery dump.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// Cmd builds a Command, stringifying each argument
func Cmd(name string, args ...interface{}) Command {
	out := Command{Name: name, Args: make([]string, len(args))}
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out.Args[i] = v
		case float64:
			out.Args[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			out.Args[i] = strconv.Itoa(v)
		case int64:
			out.Args[i] = strconv.FormatInt(v, 10)
		default:
			out.Args[i] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
