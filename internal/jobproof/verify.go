package jobproof

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/nooterra/settld/internal/settlement"
	"github.com/nooterra/settld/internal/signing"
)

// Options bounds and configures a verification pass.
type Options struct {
	// Strict turns warnings (non-fatal, best-effort checks) into errors.
	Strict bool
	// HashConcurrency bounds the worker pool used to recompute the
	// SHA256SUMS digests. Defaults to 4 when <= 0.
	HashConcurrency int
}

// Check is one named, ordered verification step and its outcome.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the byte-stable JSON verification result (spec §6: "JSON output
// format is byte-stable across runs and locales"). Checks is always
// appended in the same fixed order, never a map, so two runs over the same
// bundle produce byte-identical output.
type Report struct {
	Dir      string   `json:"dir"`
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) pass(name string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: true})
}

func (r *Report) fail(name string, err error) {
	r.Checks = append(r.Checks, Check{Name: name, OK: false, Detail: err.Error()})
	r.Errors = append(r.Errors, err.Error())
	r.OK = false
}

func (r *Report) warn(name string, strict bool, err error) {
	if strict {
		r.fail(name, err)
		return
	}
	r.Checks = append(r.Checks, Check{Name: name, OK: true, Detail: "warning: " + err.Error()})
	r.Warnings = append(r.Warnings, err.Error())
}

var hexDigestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Verify loads the bundle at dir and runs every check in spec §6's
// job-proof contract, in a fixed order so Report's JSON is byte-stable. A
// non-nil error means the bundle could not even be parsed (missing file,
// malformed JSON) — a caller-facing input error, not a verification
// failure; a parseable-but-broken bundle instead comes back as a *Report
// with OK=false and populated Errors.
func Verify(dir string, opts Options) (*Report, error) {
	b, err := Load(dir)
	if err != nil {
		return nil, err
	}

	report := &Report{Dir: dir, OK: true}

	verifyDigests(report, b, opts)
	verifyChain(report, b)
	verifyChainBinding(report, b, opts.Strict)
	verifyPolicyHash(report, b)
	verifyPolicySignature(report, b, opts.Strict)
	verifyBinding(report, b)
	verifyEvidence(report, b, opts.Strict)

	return report, nil
}

// verifyDigests recomputes the SHA-256 of each of the six fixed bundle
// files (trust, events, policy, decision, receipt, evidence) and compares it
// against the digest SHA256SUMS records for it; any other SHA256SUMS entry
// is ignored. Hashing is bounded by a worker
// pool the way core/mempool.go bounds its validation workers.
func verifyDigests(report *Report, b *Bundle, opts Options) {
	names := []string{FileTrust, FileEvents, FilePolicy, FileDecision, FileReceipt, FileEvidence}

	workers := opts.HashConcurrency
	if workers <= 0 {
		workers = 4
	}

	type result struct {
		name string
		err  error
	}
	jobs := make(chan string)
	results := make(chan result, len(names))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				want, ok := b.Sums[name]
				if !ok {
					results <- result{name, fmt.Errorf("%s: no digest recorded in %s", name, FileSums)}
					continue
				}
				got, err := fileSHA256Hex(b.Dir, name)
				if err != nil {
					results <- result{name, err}
					continue
				}
				if got != want {
					results <- result{name, fmt.Errorf("%s: SHA-256 %s does not match recorded %s", name, got, want)}
					continue
				}
				results <- result{name, nil}
			}
		}()
	}
	go func() {
		for _, n := range names {
			jobs <- n
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	byName := make(map[string]error, len(names))
	for r := range results {
		byName[r.name] = r.err
	}
	for _, name := range names {
		checkName := "digest:" + name
		if err := byName[name]; err != nil {
			report.fail(checkName, kernelerr.New(kernelerr.CodeJobProofDigestMismatch, err.Error()))
			continue
		}
		report.pass(checkName)
	}
}

func verifyChain(report *Report, b *Bundle) {
	if err := chainlog.VerifyChain(b.Events); err != nil {
		report.fail("chain", kernelerr.New(kernelerr.CodeJobProofChainInvalid, err.Error()))
		return
	}
	report.pass("chain")
}

// verifyChainBinding checks that the decision's anchored runLastEventId/
// runLastChainHash reproduce the event log's actual tip, so a verifier
// knows the decision was built from exactly this exported log and not a
// truncated or substituted one.
func verifyChainBinding(report *Report, b *Bundle, strict bool) {
	if len(b.Events) == 0 {
		report.warn("chain-binding", strict, fmt.Errorf("bundle carries no events to bind the decision against"))
		return
	}
	tip := b.Events[len(b.Events)-1]
	if tip.EventID != b.Decision.RunLastEventID || tip.ChainHash != b.Decision.RunLastChainHash {
		report.fail("chain-binding", kernelerr.New(kernelerr.CodeJobProofChainBindingMismatch,
			"decision.runLastEventId/runLastChainHash does not match the event log's tip"))
		return
	}
	report.pass("chain-binding")
}

func verifyPolicyHash(report *Report, b *Bundle) {
	recomputed, err := signing.HashCanonical(b.Policy.Policy)
	if err != nil {
		report.fail("policy-hash", err)
		return
	}
	if recomputed != b.Policy.PolicyHash {
		report.fail("policy-hash", kernelerr.New(kernelerr.CodeJobProofPolicyHashMismatch,
			"policy.json policyHash does not recompute from its own policy body"))
		return
	}
	if recomputed != b.Decision.PolicyRef.PolicyHash {
		report.fail("policy-hash", kernelerr.New(kernelerr.CodeJobProofPolicyHashMismatch,
			"decision.policyRef.policyHash does not match policy.json's policyHash"))
		return
	}
	report.pass("policy-hash")
}

func verifyPolicySignature(report *Report, b *Bundle, strict bool) {
	signer, ok := b.Trust.ResolveTrusted(b.Policy.SignerKeyID, RoleGovernance, b.Policy.SignedAt)
	if !ok {
		report.fail("policy-signature", kernelerr.New(kernelerr.CodeGovernanceSignerNotTrusted,
			"governance policy signerKeyId not trusted"))
		return
	}
	pub, err := signing.PublicKeyFromPEM([]byte(signer.PublicKeyPEM))
	if err != nil {
		report.fail("policy-signature", err)
		return
	}
	if !signing.VerifyHashHex(b.Policy.PolicyHash, b.Policy.Signature, pub) {
		report.fail("policy-signature", kernelerr.New(kernelerr.CodeJobProofPolicySignatureInvalid,
			"policy.json signature does not verify against the trusted governance key"))
		return
	}
	report.pass("policy-signature")
}

func verifyBinding(report *Report, b *Bundle) {
	if err := settlement.VerifyBinding(b.Decision, b.Receipt); err != nil {
		report.fail("settlement-binding", err)
		return
	}
	report.pass("settlement-binding")
}

// verifyEvidence structurally validates the evidence pointer list: every
// entry needs a non-empty kind/refId and a well-formed 64-hex-char digest.
// It cannot re-hash the referenced evidence itself — that content lives
// outside the bundle by design — so this is the bundle's only evidence
// check and is strict-gated: a malformed pointer is a warning by default
// (the bundle's core hash chain is still trustworthy) and an error under
// --strict.
func verifyEvidence(report *Report, b *Bundle, strict bool) {
	seen := map[string]bool{}
	for i, ev := range b.Evidence {
		if ev.Kind == "" || ev.RefID == "" {
			report.warn("evidence", strict, fmt.Errorf("evidence[%d]: kind and refId are required", i))
			return
		}
		if !hexDigestPattern.MatchString(ev.SHA256Hex) {
			report.warn("evidence", strict, kernelerr.New(kernelerr.CodeJobProofEvidenceMismatch,
				fmt.Sprintf("evidence[%d] (%s): sha256Hex is not a well-formed digest", i, ev.RefID)))
			return
		}
		if seen[ev.RefID] {
			report.warn("evidence", strict, fmt.Errorf("evidence[%d]: duplicate refId %q", i, ev.RefID))
			return
		}
		seen[ev.RefID] = true
	}
	report.pass("evidence")
}
