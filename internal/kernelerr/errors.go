// Package kernelerr is the error-code registry (spec §7). Grounded on
// core/errors/stake.go's sentinel-error-per-domain idiom, generalized into a
// single structured Error type so the gateway and CLI surfaces can translate
// it into the {code,message,details} wire contract (spec §6) without a
// parallel switch statement per package.
package kernelerr

import "fmt"

// Code is one of the stable, versioned error codes from the spec's §7
// taxonomy. Codes are part of the public contract and must never be renamed.
type Code string

// Canonicalization
const (
	CodeCanonicalValueNotRepresentable Code = "CANONICAL_VALUE_NOT_REPRESENTABLE"
	CodeCanonicalDuplicateKey          Code = "CANONICAL_DUPLICATE_KEY"
)

// Chain
const (
	CodeChainPreconditionFailed Code = "CHAIN_PRECONDITION_FAILED"
	CodeEventSignatureRequired  Code = "EVENT_SIGNATURE_REQUIRED"
	CodeEventSignatureInvalid   Code = "EVENT_SIGNATURE_INVALID"
	CodeIdempotencyConflict     Code = "IDEMPOTENCY_CONFLICT"
)

// Auth / grant
const (
	CodeOperatorActionSignerUnknown    Code = "OPERATOR_ACTION_SIGNER_UNKNOWN"
	CodeOperatorActionSignerRevoked    Code = "OPERATOR_ACTION_SIGNER_REVOKED"
	CodeAuthorityGrantNotActive        Code = "X402_AUTHORITY_GRANT_NOT_ACTIVE"
	CodeAuthorityGrantExpired          Code = "X402_AUTHORITY_GRANT_EXPIRED"
	CodeAuthorityGrantRevoked          Code = "X402_AUTHORITY_GRANT_REVOKED"
	CodeAuthorityGrantScopeMismatch    Code = "X402_AUTHORITY_GRANT_SCOPE_MISMATCH"
	CodeAuthorityGrantPerCallExceed    Code = "X402_AUTHORITY_GRANT_PER_CALL_EXCEEDED"
	CodeAuthorityGrantCumulExceed      Code = "X402_AUTHORITY_GRANT_CUMULATIVE_EXCEEDED"
	CodeAuthorityGrantCurrencyMismatch Code = "X402_AUTHORITY_GRANT_CURRENCY_MISMATCH"
)

// Wallet
const (
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
)

// Gate
const (
	CodeRequestBindingRequired             Code = "X402_REQUEST_BINDING_REQUIRED"
	CodeRequestBindingEvidenceRequired     Code = "X402_REQUEST_BINDING_EVIDENCE_REQUIRED"
	CodeRequestBindingEvidenceMismatch     Code = "X402_REQUEST_BINDING_EVIDENCE_MISMATCH"
	CodeEvidenceRequired                   Code = "X402_EVIDENCE_REQUIRED"
	CodeEvidenceMismatch                   Code = "X402_EVIDENCE_MISMATCH"
	CodeExecutionIntentRequired            Code = "X402_EXECUTION_INTENT_REQUIRED"
	CodeExecutionIntentIdempotencyMismatch Code = "X402_EXECUTION_INTENT_IDEMPOTENCY_MISMATCH"
	CodeExecutionIntentConflict            Code = "X402_EXECUTION_INTENT_CONFLICT"
	CodeWalletIssuerDecisionRequired       Code = "X402_WALLET_ISSUER_DECISION_REQUIRED"
	CodeWalletIssuerDecisionInvalid        Code = "X402_WALLET_ISSUER_DECISION_INVALID"
	CodeAgentNotActive                     Code = "X402_AGENT_NOT_ACTIVE"
	CodeToolProviderSignatureInvalid       Code = "TOOL_PROVIDER_SIGNATURE_INVALID"
)

// Settlement kernel
const (
	CodeDecisionHashMismatch         Code = "SETTLEMENT_DECISION_HASH_MISMATCH"
	CodeReceiptHashMismatch          Code = "SETTLEMENT_RECEIPT_HASH_MISMATCH"
	CodeReceiptDecisionHashMismatch  Code = "SETTLEMENT_RECEIPT_DECISION_HASH_MISMATCH"
	CodeReceiptBeforeDecision        Code = "SETTLEMENT_RECEIPT_BEFORE_DECISION"
	CodeReceiptSettledBeforeDecision Code = "SETTLEMENT_RECEIPT_SETTLED_BEFORE_DECISION"
	CodeReceiptSettledBeforeCreated  Code = "SETTLEMENT_RECEIPT_SETTLED_BEFORE_CREATED"
	CodeReceiptRunStatusMismatch     Code = "SETTLEMENT_RECEIPT_RUN_STATUS_MISMATCH"
)

// Dispute / arbitration
const (
	CodeDisputeWindowClosed                Code = "DISPUTE_WINDOW_CLOSED"
	CodeDisputeInvalidSigner               Code = "DISPUTE_INVALID_SIGNER"
	CodeToolCallVerdictNotBinary           Code = "TOOL_CALL_VERDICT_NOT_BINARY"
	CodeDisputeOpenBindingEvidenceRequired Code = "X402_DISPUTE_OPEN_BINDING_EVIDENCE_REQUIRED"
	CodeDisputeOpenBindingEvidenceMismatch Code = "X402_DISPUTE_OPEN_BINDING_EVIDENCE_MISMATCH"
	CodeArbitrationBindingEvidenceRequired Code = "X402_ARBITRATION_BINDING_EVIDENCE_REQUIRED"
	CodeArbitrationBindingEvidenceMismatch Code = "X402_ARBITRATION_BINDING_EVIDENCE_MISMATCH"
)

// Emergency controls
const (
	CodeEmergencyPauseActive      Code = "EMERGENCY_PAUSE_ACTIVE"
	CodeEmergencyQuarantineActive Code = "EMERGENCY_QUARANTINE_ACTIVE"
	CodeEmergencyKillSwitchActive Code = "EMERGENCY_KILL_SWITCH_ACTIVE"
)

// Signer / trust
const (
	CodeSignerAuthMissing          Code = "SIGNER_AUTH_MISSING"
	CodeSignerBadResponse          Code = "SIGNER_BAD_RESPONSE"
	CodeSignerPluginLoadFailed     Code = "SIGNER_PLUGIN_LOAD_FAILED"
	CodeRemoteSignerKeyMismatch    Code = "REMOTE_SIGNER_KEY_MISMATCH"
	CodeGovernanceSignerNotTrusted Code = "GOVERNANCE_SIGNER_NOT_TRUSTED"
)

// Job-proof bundle (offline verifier)
const (
	CodeJobProofFileMissing            Code = "JOB_PROOF_FILE_MISSING"
	CodeJobProofDigestMismatch         Code = "JOB_PROOF_DIGEST_MISMATCH"
	CodeJobProofChainInvalid           Code = "JOB_PROOF_CHAIN_INVALID"
	CodeJobProofPolicyHashMismatch     Code = "JOB_PROOF_POLICY_HASH_MISMATCH"
	CodeJobProofPolicySignatureInvalid Code = "JOB_PROOF_POLICY_SIGNATURE_INVALID"
	CodeJobProofEvidenceMismatch       Code = "JOB_PROOF_EVIDENCE_MISMATCH"
	CodeJobProofChainBindingMismatch   Code = "JOB_PROOF_CHAIN_BINDING_MISMATCH"
)

// Error is the structured, wire-serializable error type every settld
// operation fails with. The core fails closed: constructing one of these
// never has a side effect, so returning it from deep inside a component is
// always safe with respect to the "no partial effect" invariant.
type Error struct {
	ErrCode Code           `json:"code"`
	Msg     string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Msg)
}

// Code returns the error's taxonomy code, satisfying callers that only want
// to switch on it without a type assertion on *Error's exported field.
func (e *Error) Code() Code { return e.ErrCode }

// New constructs an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{ErrCode: code, Msg: msg}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Msg: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured, telemetry-safe details to the error and
// returns the same pointer for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As reports whether err is (or wraps) a *Error with the given code.
func As(err error, code Code) bool {
	var kerr *Error
	if ok := errorsAs(err, &kerr); !ok {
		return false
	}
	return kerr.ErrCode == code
}

func errorsAs(err error, target **Error) bool {
	for err != nil {
		if kerr, ok := err.(*Error); ok {
			*target = kerr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
