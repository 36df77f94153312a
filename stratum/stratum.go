// Copyright (c) 2016 The Decred developers.

// Package stratum is the Stratum pool adapter the mining coordination
// engine treats as an external collaborator: it owns the TCP framing and
// JSON messages, and its only contact with the core is producing
// work.Unit values and accepting work.Nonces for submission. Framing
// uses the conventional line-delimited JSON-RPC style; proxy dialing
// goes through github.com/btcsuite/go-socks.
package stratum

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EXCCoin/base58"
	"github.com/agl/ed25519"
	"github.com/btcsuite/go-socks/socks"

	"github.com/hashforge/coreminer/mailbox"
	"github.com/hashforge/coreminer/mlog"
	"github.com/hashforge/coreminer/work"
)

// ErrStratumStaleWork is returned by SubmitShare when the pool rejects a
// submission because the job it was mined against has since been
// superseded, letting callers count stale shares separately from invalid
// ones.
var ErrStratumStaleWork = errors.New("stratum: stale work")

// ErrNotStratumURL is returned when the configured pool address does not
// carry the stratum+tcp:// scheme this client understands.
var ErrNotStratumURL = errors.New("stratum: only stratum+tcp:// pools are supported")

const dialTimeout = 30 * time.Second

// request is one JSON-RPC style Stratum message, in either direction.
type request struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method,omitempty"`
	Params []interface{} `json:"params,omitempty"`
	Result interface{}   `json:"result,omitempty"`
	Error  interface{}   `json:"error,omitempty"`
}

// job is the pool-supplied mining.notify payload, ahead of being turned
// into a work.Unit by the caller (which supplies the algorithm's leaf
// hash function and endian flag, neither of which the adapter knows
// about).
type job struct {
	jobID        string
	prevHash     string
	coinbase1    string
	coinbase2    string
	merkleBranch []string
	version      string
	nbits        string
	ntime        string
	cleanJobs    bool
}

// Pool is one live connection to a Stratum pool. It satisfies
// mailbox.WorkSource so it can be handed straight to
// coordinator.SubmitWork.
type Pool struct {
	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	url      string
	user     string
	pass     string
	extranonce1 []byte
	extranonce2Size int
	nextID   uint64

	ValidShares   uint64
	InvalidShares uint64
	StaleShares   uint64

	log mlog.Logger
}

// PoolName implements mailbox.WorkSource.
func (p *Pool) PoolName() string { return p.url }

var _ mailbox.WorkSource = (*Pool)(nil)

// Dial connects to a stratum+tcp:// pool, optionally through a SOCKS4/5
// proxy, and performs mining.subscribe + mining.authorize. log may be
// mlog.Disabled().
func Dial(poolURL, user, pass, proxyAddr, proxyUser, proxyPass string, log mlog.Logger) (*Pool, error) {
	if log == nil {
		log = mlog.Disabled()
	}
	const scheme = "stratum+tcp://"
	if !strings.HasPrefix(poolURL, scheme) {
		return nil, ErrNotStratumURL
	}
	addr := strings.TrimPrefix(poolURL, scheme)

	var conn net.Conn
	var err error
	if proxyAddr != "" {
		proxy := &socks.Proxy{Addr: proxyAddr, Username: proxyUser, Password: proxyPass}
		conn, err = proxy.Dial("tcp", addr)
	} else {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("stratum: dial %s: %w", addr, err)
	}

	p := &Pool{
		conn:   conn,
		reader: bufio.NewReader(conn),
		url:    poolURL,
		user:   user,
		pass:   pass,
		nextID: 1,
		log:    log,
	}
	if err := p.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := p.authorize(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) call(method string, params ...interface{}) (*request, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	req := request{ID: id, Method: method, Params: params}
	p.mu.Unlock()

	enc, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	_, err = p.conn.Write(append(enc, '\n'))
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("stratum: write: %w", err)
	}

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("stratum: read: %w", err)
		}
		var resp request
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			p.log.Tracef("stratum: skipping unparseable line: %s", line)
			continue
		}
		if resp.Method != "" {
			// A notification arrived ahead of our reply; the caller's
			// Listen loop is responsible for notifications once
			// subscribed, but during the handshake we simply keep
			// waiting for the next reply (reply ids are not compared).
			continue
		}
		return &resp, nil
	}
}

func (p *Pool) subscribe() error {
	resp, err := p.call("mining.subscribe", "coreminer/1.0")
	if err != nil {
		return err
	}
	result, ok := resp.Result.([]interface{})
	if !ok || len(result) < 2 {
		return errors.New("stratum: malformed mining.subscribe response")
	}
	en1Hex, ok := result[1].(string)
	if !ok {
		return errors.New("stratum: malformed extranonce1")
	}
	en1, err := hexDecode(en1Hex)
	if err != nil {
		return fmt.Errorf("stratum: decode extranonce1: %w", err)
	}
	size := 4
	if len(result) > 2 {
		if f, ok := result[2].(float64); ok {
			size = int(f)
		}
	}
	p.mu.Lock()
	p.extranonce1 = en1
	p.extranonce2Size = size
	p.mu.Unlock()
	return nil
}

func (p *Pool) authorize() error {
	resp, err := p.call("mining.authorize", p.user, p.pass)
	if err != nil {
		return err
	}
	if ok, _ := resp.Result.(bool); !ok {
		return errors.New("stratum: authorization rejected")
	}
	return nil
}

// Listen blocks reading notifications off the wire and invokes onJob for
// every mining.notify it decodes, until the connection closes or quit is
// closed. It is meant to run in its own goroutine, feeding
// coordinator.SubmitWork through onJob.
func (p *Pool) Listen(quit <-chan struct{}, onJob func(*work.Unit)) error {
	for {
		select {
		case <-quit:
			return nil
		default:
		}
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("stratum: connection closed: %w", err)
		}
		var msg request
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.log.Tracef("stratum: skipping unparseable line: %s", line)
			continue
		}
		if msg.Method != "mining.notify" {
			continue
		}
		j, err := decodeNotify(msg.Params)
		if err != nil {
			p.log.Warnf("stratum: bad mining.notify: %v", err)
			continue
		}
		wu, err := p.buildUnit(j)
		if err != nil {
			p.log.Warnf("stratum: failed to build work unit: %v", err)
			continue
		}
		onJob(wu)
	}
}

func decodeNotify(params []interface{}) (*job, error) {
	if len(params) < 9 {
		return nil, errors.New("stratum: mining.notify needs 9 params")
	}
	str := func(i int) string { s, _ := params[i].(string); return s }
	j := &job{
		jobID:     str(0),
		prevHash:  str(1),
		coinbase1: str(2),
		coinbase2: str(3),
		version:   str(5),
		nbits:     str(6),
		ntime:     str(7),
	}
	if branch, ok := params[4].([]interface{}); ok {
		for _, b := range branch {
			if s, ok := b.(string); ok {
				j.merkleBranch = append(j.merkleBranch, s)
			}
		}
	}
	if clean, ok := params[8].(bool); ok {
		j.cleanJobs = clean
	}
	return j, nil
}

// buildUnit turns a decoded job into a work.Unit. The header template and
// merkle-slot/endian layout here follow the Bitcoin-family stratum
// convention (80-byte logical header zero-padded to the core's 128-byte
// buffer); a production adapter would source the exact layout from the
// bound algorithm family instead of hardcoding it.
func (p *Pool) buildUnit(j *job) (*work.Unit, error) {
	cb1, err := hexDecode(j.coinbase1)
	if err != nil {
		return nil, err
	}
	cb2, err := hexDecode(j.coinbase2)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	en1 := p.extranonce1
	en2Size := p.extranonce2Size
	p.mu.Unlock()

	en2 := make([]byte, en2Size)
	coinbase := make([]byte, 0, len(cb1)+len(en1)+len(en2)+len(cb2))
	coinbase = append(coinbase, cb1...)
	coinbase = append(coinbase, en1...)
	nonce2Offset := len(coinbase)
	coinbase = append(coinbase, en2...)
	coinbase = append(coinbase, cb2...)

	var branch [][32]byte
	for _, s := range j.merkleBranch {
		b, err := hexDecode(s)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("stratum: bad merkle branch entry %q", s)
		}
		var h [32]byte
		copy(h[:], b)
		branch = append(branch, h)
	}

	var blank [work.HeaderSize]byte
	const merkleOffset = 36

	versionBytes, err := hexDecode(j.version)
	if err != nil || len(versionBytes) != 4 {
		return nil, fmt.Errorf("stratum: bad job version %q", j.version)
	}
	copy(blank[0:4], versionBytes)

	prevHashBytes, err := hexDecode(j.prevHash)
	if err != nil || len(prevHashBytes) != 32 {
		return nil, fmt.Errorf("stratum: bad job prevhash %q", j.prevHash)
	}
	reverseBytes(prevHashBytes)
	copy(blank[4:36], prevHashBytes)

	ntimeBytes, err := hexDecode(j.ntime)
	if err != nil || len(ntimeBytes) != 4 {
		return nil, fmt.Errorf("stratum: bad job ntime %q", j.ntime)
	}
	copy(blank[68:72], ntimeBytes)

	c := work.Coinbase{
		Bytes:                coinbase,
		Nonce2Offset:         nonce2Offset,
		MerkleBranch:         branch,
		MerkleOffsetInHeader: merkleOffset,
	}

	target := nbitsToTarget(j.nbits)
	return work.New(j.jobID, en1, target, 1.0, c, uint32(time.Now().Unix()), blank, true, nil)
}

// reverseBytes reverses b in place, the byte-order flip needed to turn a
// pool's big-endian previous-block-hash hex into the little-endian bytes
// the header template stores.
func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// SubmitShare submits one candidate nonce back to the pool and reports
// whether it was accepted. A rejection that matches the pool's
// "job not found"/"stale" error class surfaces as ErrStratumStaleWork so
// callers can count it separately.
func (p *Pool) SubmitShare(n work.Nonces, nonce uint32) (bool, error) {
	if len(n.Candidates) == 0 && nonce == 0 {
		return false, errors.New("stratum: no candidate nonce to submit")
	}
	p.mu.Lock()
	en2Size := p.extranonce2Size
	p.mu.Unlock()

	en2 := make([]byte, en2Size)
	resp, err := p.call("mining.submit", p.user, n.JobID, hexEncode(en2),
		hexEncode(n.HeaderSnapshot[68:72]), fmt.Sprintf("%08x", nonce))
	if err != nil {
		return false, err
	}
	if ok, _ := resp.Result.(bool); ok {
		atomic.AddUint64(&p.ValidShares, 1)
		return true, nil
	}
	if resp.Error != nil {
		if errLooksStale(resp.Error) {
			atomic.AddUint64(&p.StaleShares, 1)
			return false, ErrStratumStaleWork
		}
	}
	atomic.AddUint64(&p.InvalidShares, 1)
	return false, nil
}

func errLooksStale(e interface{}) bool {
	switch v := e.(type) {
	case []interface{}:
		for _, el := range v {
			if s, ok := el.(string); ok && errLooksStale(s) {
				return true
			}
		}
	case string:
		lower := strings.ToLower(v)
		return strings.Contains(lower, "stale") || strings.Contains(lower, "job not found")
	}
	return false
}

// Close tears down the underlying connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}

// SoloPayoutScript decodes a base58check-encoded payout address for
// benchmark/solo mode, where the miner builds its own coinbase output
// rather than mining against a pool's.
func SoloPayoutScript(addr string) ([]byte, [2]byte, error) {
	decoded, version, err := base58.CheckDecode(addr)
	if err != nil {
		return nil, [2]byte{}, fmt.Errorf("stratum: bad payout address: %w", err)
	}
	return decoded, version, nil
}

// SessionToken is an optional, best-effort resume token some pools honor
// across reconnects: a random nonce signed with an ed25519 key created
// for the session. Pool itself never offers one to the server; its
// absence is never treated as an error.
type SessionToken struct {
	Nonce     [32]byte
	Signature *[ed25519.SignatureSize]byte
}

// NewSessionToken generates a fresh ed25519 keypair and signs a random
// session nonce with it, for pools implementing the optional
// mining.resume extension.
func NewSessionToken() (*SessionToken, *[32]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nil, err
	}
	sig := ed25519.Sign(priv, nonce[:])
	return &SessionToken{Nonce: nonce, Signature: sig}, pub, nil
}

// VerifySessionToken checks a resume token's signature against the public
// key the session was originally created with.
func VerifySessionToken(pub *[32]byte, tok *SessionToken) bool {
	return ed25519.Verify(pub, tok.Nonce[:], tok.Signature)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[2*i] = digits[c>>4]
		out[2*i+1] = digits[c&0xf]
	}
	return string(out)
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("stratum: invalid hex digit %q", c)
	}
}

// nbitsToTarget expands a compact "nbits" field into a full 256-bit
// target, the conventional Bitcoin-family encoding: the top byte is the
// exponent, the lower three are the mantissa.
func nbitsToTarget(nbits string) *big.Int {
	raw, err := hexDecode(nbits)
	if err != nil || len(raw) != 4 {
		return nil
	}
	exp := int(raw[0])
	mantissa := new(big.Int).SetBytes(raw[1:])
	if exp <= 3 {
		mantissa.Rsh(mantissa, uint(8*(3-exp)))
		return mantissa
	}
	return mantissa.Lsh(mantissa, uint(8*(exp-3)))
}
