// Package auditchain wraps an audit.AuditStore with the hash-chain
// invariant: every appended record's Hash covers the canonical encoding of
// the record with Hash and Sig cleared, chained to the previous record's
// Hash via PrevHash, and signed with an HMAC key so a record could not have
// been forged by a party without the signing key. This is a REDESIGN from
// the teacher's flat, unchained JSONL audit log (see
// internal/domain/audit.AuditRecord's doc comment) — original_source's
// sentinel_core/audit.py writes plain unchained JSON lines with no tamper
// evidence at all, so the chain here has no direct Python analogue and is
// grounded instead on original_source/sentinel_core/crypto.py's
// sha256_hex/hmac_sha256_hex primitives, generalized into a genuine chain.
package auditchain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sentinelsca/sca/internal/domain/audit"
	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/signer"
)

// genesisHash is the PrevHash value for the first record in a chain: 64
// zero hex characters, matching the width of a SHA-256 digest.
var genesisHash = strings.Repeat("0", 64)

// Chain appends audit records through an underlying store, maintaining the
// hash chain and signing each record's Hash. It is safe for concurrent use.
type Chain struct {
	mu     sync.Mutex
	store  audit.AuditStore
	signer *signer.HMACSigner
	head   string
	seq    int64
}

// New constructs a Chain over store, recovering the current chain head and
// sequence number from the most recent record the store can report (via
// TailRecord, satisfied by FileAuditStore's GetRecent(1)). An empty store
// starts a fresh chain at seq 1 with the genesis PrevHash.
func New(store audit.AuditStore, hmacSigner *signer.HMACSigner) (*Chain, error) {
	c := &Chain{store: store, signer: hmacSigner, head: genesisHash, seq: 0}

	if tailer, ok := store.(interface{ GetRecent(int) []audit.AuditRecord }); ok {
		recent := tailer.GetRecent(1)
		if len(recent) > 0 {
			last := recent[0]
			if err := c.verifyRecord(last); err != nil {
				return nil, fmt.Errorf("auditchain: recovered tail record fails verification: %w", err)
			}
			c.head = last.Hash
			c.seq = last.Seq
		}
	}

	return c, nil
}

// Head returns the current chain head hash and sequence number.
func (c *Chain) Head() (hash string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.seq
}

// Append computes Hash/PrevHash/Sig for rec (overwriting any caller-set
// values), appends it through the underlying store, and advances the chain
// head. Only one record may be appended at a time so Seq/PrevHash stay
// gapless and strictly ordered.
func (c *Chain) Append(ctx context.Context, rec audit.AuditRecord) (audit.AuditRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.Seq = c.seq + 1
	rec.PrevHash = c.head
	rec.Hash = ""
	rec.Sig = ""

	digest, err := hashRecord(rec)
	if err != nil {
		return audit.AuditRecord{}, fmt.Errorf("auditchain: hash record: %w", err)
	}
	rec.Hash = digest
	rec.Sig = c.signer.SignBytes([]byte(digest))

	if err := c.store.Append(ctx, rec); err != nil {
		return audit.AuditRecord{}, fmt.Errorf("auditchain: append: %w", err)
	}

	c.head = rec.Hash
	c.seq = rec.Seq
	return rec, nil
}

// verifyRecord checks that a single record's Hash and Sig are internally
// consistent (hash recomputes, signature verifies), without checking its
// PrevHash linkage to a prior record.
func (c *Chain) verifyRecord(rec audit.AuditRecord) error {
	wantHash, err := hashRecord(stripChainFields(rec))
	if err != nil {
		return fmt.Errorf("hash record: %w", err)
	}
	if wantHash != rec.Hash {
		return fmt.Errorf("hash mismatch at seq %d: computed %s, stored %s", rec.Seq, wantHash, rec.Hash)
	}
	if err := c.signer.VerifyBytes([]byte(rec.Hash), rec.Sig); err != nil {
		return fmt.Errorf("signature mismatch at seq %d: %w", rec.Seq, err)
	}
	return nil
}

// VerifyChain walks records in order, checking that each record's Hash and
// Sig are valid and that PrevHash correctly links to the previous record's
// Hash (genesisHash for the first record). Returns a VerifyResult
// describing the outcome; a broken chain is not a Go error, it's the
// expected product of this function when tampering is found.
func VerifyChain(records []audit.AuditRecord, verifier *signer.HMACSigner) Result {
	result := Result{OK: true, Checked: len(records)}
	prevHash := genesisHash

	for i, rec := range records {
		if rec.PrevHash != prevHash {
			result.OK = false
			result.FirstBreakSeq = rec.Seq
			result.Reason = fmt.Sprintf("seq %d: prev_hash %q does not match preceding record's hash %q", rec.Seq, rec.PrevHash, prevHash)
			return result
		}

		wantHash, err := hashRecord(stripChainFields(rec))
		if err != nil {
			result.OK = false
			result.FirstBreakSeq = rec.Seq
			result.Reason = fmt.Sprintf("seq %d: failed to recompute hash: %v", rec.Seq, err)
			return result
		}
		if wantHash != rec.Hash {
			result.OK = false
			result.FirstBreakSeq = rec.Seq
			result.Reason = fmt.Sprintf("seq %d: hash does not match record content (tampered)", rec.Seq)
			return result
		}

		if verifier != nil {
			if err := verifier.VerifyBytes([]byte(rec.Hash), rec.Sig); err != nil {
				result.OK = false
				result.FirstBreakSeq = rec.Seq
				result.Reason = fmt.Sprintf("seq %d: signature invalid", rec.Seq)
				return result
			}
		}

		prevHash = rec.Hash
		if i == len(records)-1 {
			result.HeadHash = rec.Hash
			result.HeadSeq = rec.Seq
		}
	}

	return result
}

// Result describes the outcome of VerifyChain.
type Result struct {
	// OK is true if every record in the chain verified cleanly.
	OK bool
	// Checked is the number of records examined.
	Checked int
	// FirstBreakSeq is the Seq of the first record that failed to verify,
	// zero if OK.
	FirstBreakSeq int64
	// Reason describes the break, empty if OK.
	Reason string
	// HeadHash/HeadSeq are the chain's tip after a clean verification.
	HeadHash string
	HeadSeq  int64
}

// stripChainFields returns a copy of rec with Hash and Sig cleared, the
// shape that was originally hashed at append time.
func stripChainFields(rec audit.AuditRecord) audit.AuditRecord {
	rec.Hash = ""
	rec.Sig = ""
	return rec
}

// hashRecord returns the hex-encoded SHA-256 digest of rec's canonical JSON
// encoding (with Hash/Sig already expected to be cleared by the caller).
func hashRecord(rec audit.AuditRecord) (string, error) {
	body, err := canon.Marshal(rec)
	if err != nil {
		return "", err
	}
	return signer.SHA256Hex(string(body)), nil
}
