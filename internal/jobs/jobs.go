package jobs

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/zenith-network/zenith-pool/internal/coinutil"
	"github.com/zenith-network/zenith-pool/internal/hashing"
	"github.com/zenith-network/zenith-pool/internal/util"
)

const (
	// Jobs more than this many block heights below the current job are
	// dropped from the backlog; jobs at the same height are not limited
	// by count.
	maxJobBacklog = 4

	// Submitted nTime may run at most this far ahead of the wall clock.
	maxTimeAhead = 7200
)

// Job is one unit of outstanding work, broadcast via mining.notify
type Job struct {
	ID        string
	Height    int64
	PrevHash  string // stratum display order
	Coinbase1 string
	Coinbase2 string
	MerkleBranches []string
	Version   string
	NBits     string
	NTime     string
	CleanJobs bool

	template      *BlockTemplate
	networkTarget *big.Int
	txHashes      [][]byte
	steps         [][]byte
	payoutScript  []byte

	mu        sync.Mutex
	seen      map[string]struct{} // duplicate share suppression
}

// NotifyParams renders the mining.notify parameter list
func (j *Job) NotifyParams() []interface{} {
	return []interface{}{
		j.ID, j.PrevHash, j.Coinbase1, j.Coinbase2,
		j.MerkleBranches, j.Version, j.NBits, j.NTime, j.CleanJobs,
	}
}

// NetworkTarget exposes the job's block target
func (j *Job) NetworkTarget() *big.Int {
	return j.networkTarget
}

// Template exposes the source template
func (j *Job) Template() *BlockTemplate {
	return j.template
}

// Submission is one mining.submit, resolved to its session's extranonce
type Submission struct {
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Solution    string
	Difficulty  float64 // session share difficulty at submit time
}

// Result is the outcome of validating one submission
type Result struct {
	Valid     bool
	ErrCode   int
	ErrMsg    string
	ShareDiff float64
	Height    int64
	BlockDiff float64

	// Candidate block data; BlockHex is set iff the share also met the
	// network target and this job has not submitted that block before.
	BlockCandidate bool
	BlockHex       string
	BlockHash      string
	TxHash         string // coinbase txid
}

// Manager owns the outstanding job set for one coin
type Manager struct {
	payoutScript    []byte
	coinbaseTag     []byte
	hashFn          hashing.HashFunc
	extraNonce2Size int

	mu         sync.RWMutex
	jobs       map[string]*Job
	currentJob *Job
	jobCounter uint64
	submitted  map[string]struct{} // block hashes already sent upstream
}

// NewManager creates a job manager paying out to payoutScript
func NewManager(payoutScript []byte, coinbaseTag string, hashFn hashing.HashFunc, extraNonce2Size int) *Manager {
	return &Manager{
		payoutScript:    payoutScript,
		coinbaseTag:     []byte(coinbaseTag),
		hashFn:          hashFn,
		extraNonce2Size: extraNonce2Size,
		jobs:            make(map[string]*Job),
		submitted:       make(map[string]struct{}),
	}
}

// ExtraNonce2Size returns the miner-controlled extranonce length
func (m *Manager) ExtraNonce2Size() int {
	return m.extraNonce2Size
}

// CurrentJob returns the latest job, or nil before the first template
func (m *Manager) CurrentJob() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentJob
}

// OnTemplate builds a job from a template. The returned job is nil when
// the template is stale (same prev hash and curtime as the current job).
func (m *Manager) OnTemplate(t *BlockTemplate, extraNonce1Size int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleanJobs := true
	if cur := m.currentJob; cur != nil {
		if cur.template.PreviousBlockHash == t.PreviousBlockHash {
			if cur.template.CurTime == t.CurTime {
				return nil, nil
			}
			cleanJobs = false
		}
	}

	networkTarget, err := targetFromTemplate(t)
	if err != nil {
		return nil, err
	}

	prevHashBytes, err := util.HexToBytes(t.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("bad previousblockhash: %w", err)
	}

	txHashes := make([][]byte, 0, len(t.Transactions))
	for _, tx := range t.Transactions {
		h, err := util.HexToBytes(tx.ID())
		if err != nil {
			return nil, fmt.Errorf("bad txid %q: %w", tx.ID(), err)
		}
		txHashes = append(txHashes, util.ReverseBytesCopy(h))
	}
	steps := merkleSteps(txHashes)

	extraNonceLen := extraNonce1Size + m.extraNonce2Size
	p1, p2 := coinbaseParts(t.Height, t.CoinbaseValue, m.payoutScript, m.coinbaseTag, extraNonceLen)

	m.jobCounter++
	job := &Job{
		ID:        fmt.Sprintf("%08x", m.jobCounter),
		Height:    t.Height,
		PrevHash:  util.BytesToHex(util.ReverseByteOrder(prevHashBytes)),
		Coinbase1: util.BytesToHex(p1),
		Coinbase2: util.BytesToHex(p2),
		Version:   util.Uint32ToHexBE(t.Version),
		NBits:     t.Bits,
		NTime:     util.Uint32ToHexBE(uint32(t.CurTime)),
		CleanJobs: cleanJobs,

		template:      t,
		networkTarget: networkTarget,
		txHashes:      txHashes,
		steps:         steps,
		payoutScript:  m.payoutScript,
		seen:          make(map[string]struct{}),
	}
	job.MerkleBranches = make([]string, len(steps))
	for i, s := range steps {
		job.MerkleBranches[i] = util.BytesToHex(s)
	}

	m.jobs[job.ID] = job
	m.currentJob = job
	m.prune()

	return job, nil
}

// prune drops jobs that fell out of the backlog window. Held with mu.
func (m *Manager) prune() {
	if len(m.jobs) <= maxJobBacklog {
		return
	}
	minHeight := m.currentJob.Height - maxJobBacklog
	for id, job := range m.jobs {
		if job.Height < minHeight {
			delete(m.jobs, id)
		}
	}
	// Forget submitted-block hashes from long-dead heights too.
	if len(m.submitted) > 64 {
		m.submitted = make(map[string]struct{})
	}
}

// Submit runs the share validation pipeline
func (m *Manager) Submit(s Submission) Result {
	m.mu.RLock()
	job := m.jobs[s.JobID]
	m.mu.RUnlock()

	if job == nil {
		return Result{ErrCode: 21, ErrMsg: "job not found"}
	}

	if len(s.ExtraNonce2) != m.extraNonce2Size*2 || !util.IsValidHex(s.ExtraNonce2) {
		return Result{ErrCode: 20, ErrMsg: "incorrect size of extranonce2"}
	}

	nTimeBytes, err := util.HexToBytes(s.NTime)
	if err != nil || len(nTimeBytes) != 4 {
		return Result{ErrCode: 20, ErrMsg: "incorrect size of ntime"}
	}
	nTime := int64(uint32(nTimeBytes[0])<<24 | uint32(nTimeBytes[1])<<16 | uint32(nTimeBytes[2])<<8 | uint32(nTimeBytes[3]))
	if nTime < job.template.MinTime || nTime > time.Now().Unix()+maxTimeAhead {
		return Result{ErrCode: 20, ErrMsg: "ntime out of range"}
	}

	nonceBytes, err := util.HexToBytes(s.Nonce)
	if err != nil || len(nonceBytes) != 4 {
		return Result{ErrCode: 20, ErrMsg: "incorrect size of nonce"}
	}

	var solution []byte
	if s.Solution != "" {
		solution, err = util.HexToBytes(s.Solution)
		if err != nil {
			return Result{ErrCode: 20, ErrMsg: "invalid solution"}
		}
	}

	dupKey := strings.Join([]string{s.JobID, s.ExtraNonce2, s.NTime, s.Nonce, s.Solution}, ":")
	job.mu.Lock()
	if _, dup := job.seen[dupKey]; dup {
		job.mu.Unlock()
		return Result{ErrCode: 22, ErrMsg: "duplicate share"}
	}
	job.seen[dupKey] = struct{}{}
	job.mu.Unlock()

	coinbase, err := m.assembleCoinbase(job, s.ExtraNonce1, s.ExtraNonce2)
	if err != nil {
		return Result{ErrCode: 20, ErrMsg: "invalid extranonce"}
	}
	coinbaseHash := coinutil.Sha256d(coinbase)
	merkleRoot := merkleRootWith(coinbaseHash, job.steps)

	header := m.assembleHeader(job, merkleRoot, nTimeBytes, nonceBytes)
	hashInput := header
	if len(solution) > 0 {
		hashInput = append(append([]byte{}, header...), solution...)
	}
	hash := m.hashFn(hashInput)

	shareDiff := util.HashToDifficulty(hash)
	blockDiff := util.TargetToDifficulty(job.networkTarget)

	if !util.HashMeetsTarget(hash, util.DifficultyToTarget(s.Difficulty)) {
		return Result{ErrCode: 23, ErrMsg: "low difficulty share", ShareDiff: shareDiff, Height: job.Height, BlockDiff: blockDiff}
	}

	res := Result{
		Valid:     true,
		ShareDiff: shareDiff,
		Height:    job.Height,
		BlockDiff: blockDiff,
		TxHash:    util.BytesToHex(util.ReverseBytesCopy(coinbaseHash)),
	}

	if util.HashMeetsTarget(hash, job.networkTarget) {
		blockHash := util.BytesToHex(util.ReverseBytesCopy(hash))

		m.mu.Lock()
		_, already := m.submitted[blockHash]
		if !already {
			m.submitted[blockHash] = struct{}{}
		}
		m.mu.Unlock()

		res.BlockHash = blockHash
		if !already {
			res.BlockCandidate = true
			res.BlockHex = m.assembleBlock(job, header, solution, coinbase)
		}
	}

	return res
}

// assembleCoinbase splices the session extranonce into the coinbase
func (m *Manager) assembleCoinbase(job *Job, extraNonce1, extraNonce2 string) ([]byte, error) {
	en1, err := util.HexToBytes(extraNonce1)
	if err != nil {
		return nil, err
	}
	en2, err := util.HexToBytes(extraNonce2)
	if err != nil {
		return nil, err
	}
	p1, err := util.HexToBytes(job.Coinbase1)
	if err != nil {
		return nil, err
	}
	p2, err := util.HexToBytes(job.Coinbase2)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(p1)+len(en1)+len(en2)+len(p2))
	out = append(out, p1...)
	out = append(out, en1...)
	out = append(out, en2...)
	return append(out, p2...), nil
}

// assembleHeader packs the 80-byte block header
func (m *Manager) assembleHeader(job *Job, merkleRoot, nTime, nonce []byte) []byte {
	prevHash, _ := util.HexToBytes(job.template.PreviousBlockHash)

	header := make([]byte, 0, 80)
	header = append(header, coinutil.PackUint32LE(job.template.Version)...)
	header = append(header, util.ReverseBytesCopy(prevHash)...)
	header = append(header, merkleRoot...)
	header = append(header, util.ReverseBytesCopy(nTime)...)
	bits, _ := util.HexToBytes(job.NBits)
	header = append(header, util.ReverseBytesCopy(bits)...)
	header = append(header, util.ReverseBytesCopy(nonce)...)
	return header
}

// assembleBlock renders the full block submission hex
func (m *Manager) assembleBlock(job *Job, header, solution, coinbase []byte) string {
	var sb strings.Builder
	sb.WriteString(hex.EncodeToString(header))
	if len(solution) > 0 {
		sb.WriteString(hex.EncodeToString(coinutil.VarInt(uint64(len(solution)))))
		sb.WriteString(hex.EncodeToString(solution))
	}
	sb.WriteString(hex.EncodeToString(coinutil.VarInt(uint64(len(job.template.Transactions) + 1))))
	sb.WriteString(hex.EncodeToString(coinbase))
	for _, tx := range job.template.Transactions {
		sb.WriteString(tx.Data)
	}
	return sb.String()
}

// targetFromTemplate derives the network target, preferring the explicit
// target field over compact bits.
func targetFromTemplate(t *BlockTemplate) (*big.Int, error) {
	if t.Target != "" {
		b, err := util.HexToBytes(t.Target)
		if err != nil {
			return nil, fmt.Errorf("bad template target: %w", err)
		}
		return new(big.Int).SetBytes(b), nil
	}
	bits, err := util.HexToBytes(t.Bits)
	if err != nil || len(bits) != 4 {
		return nil, fmt.Errorf("bad template bits %q", t.Bits)
	}
	compact := uint32(bits[0])<<24 | uint32(bits[1])<<16 | uint32(bits[2])<<8 | uint32(bits[3])
	return util.CompactToTarget(compact), nil
}
