package jobproof

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/settlement"
)

// File names a job-proof bundle directory is expected to carry (spec §6).
const (
	FileTrust    = "trust.json"
	FileEvents   = "events.json"
	FilePolicy   = "policy.json"
	FileDecision = "decision.json"
	FileReceipt  = "receipt.json"
	FileEvidence = "evidence.json"
	FileSums     = "SHA256SUMS"
)

// PolicySnapshot is the bundle's policy.json: the gate policy frozen at
// gate-creation time, signed by a governance key so a verifier can check
// it wasn't substituted after the fact.
type PolicySnapshot struct {
	Policy      gate.Policy `json:"policy"`
	PolicyHash  string      `json:"policyHash"`
	SignerKeyID string      `json:"signerKeyId"`
	Signature   string      `json:"signature"`
	SignedAt    time.Time   `json:"signedAt"`
}

// EvidenceRef is one entry in the bundle's evidence pointer list: a
// reference to evidence held outside the bundle (e.g. a verifier
// attestation blob), anchored by its own digest.
type EvidenceRef struct {
	Kind        string `json:"kind"`
	RefID       string `json:"refId"`
	SHA256Hex   string `json:"sha256Hex"`
	Description string `json:"description,omitempty"`
}

// Bundle is a fully parsed job-proof directory.
type Bundle struct {
	Dir      string
	Trust    Envelope
	Events   []chainlog.Event
	Policy   PolicySnapshot
	Decision settlement.DecisionRecord
	Receipt  settlement.Receipt
	Evidence []EvidenceRef
	Sums     map[string]string // filename -> lowercase hex sha256, as read from SHA256SUMS
}

// Load reads and JSON-decodes every file in a job-proof bundle directory.
// It does not verify digests or signatures — that is Verify's job — so that
// a caller inspecting a malformed bundle still gets partial structure back
// alongside the error.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{Dir: dir}

	if err := readJSON(dir, FileTrust, &b.Trust); err != nil {
		return b, err
	}
	if err := readJSON(dir, FileEvents, &b.Events); err != nil {
		return b, err
	}
	if err := readJSON(dir, FilePolicy, &b.Policy); err != nil {
		return b, err
	}
	if err := readJSON(dir, FileDecision, &b.Decision); err != nil {
		return b, err
	}
	if err := readJSON(dir, FileReceipt, &b.Receipt); err != nil {
		return b, err
	}
	if err := readJSON(dir, FileEvidence, &b.Evidence); err != nil {
		return b, err
	}
	sums, err := readSums(filepath.Join(dir, FileSums))
	if err != nil {
		return b, err
	}
	b.Sums = sums
	return b, nil
}

func readJSON(dir, name string, v any) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("jobproof: open %s: %w", name, err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("jobproof: decode %s: %w", name, err)
	}
	return nil
}

// readSums parses a coreutils-style SHA256SUMS file: "<hex>  <filename>".
func readSums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jobproof: open %s: %w", FileSums, err)
	}
	defer f.Close()

	sums := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("jobproof: malformed %s line %q", FileSums, line)
		}
		sums[fields[1]] = strings.ToLower(fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jobproof: read %s: %w", FileSums, err)
	}
	return sums, nil
}

// fileSHA256Hex returns the lowercase hex SHA-256 digest of a bundle file.
func fileSHA256Hex(dir, name string) (string, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("jobproof: open %s: %w", name, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("jobproof: hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
