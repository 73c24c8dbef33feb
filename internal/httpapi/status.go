package httpapi

import (
	"net/http"

	"github.com/nooterra/settld/internal/kernelerr"
)

// statusForCode maps a kernelerr.Code to the HTTP status the gateway
// responds with. Binding/precondition-evidence mismatches and window/state
// conflicts are the spec's "known 409 codes per operation"; everything else
// that denies a call client-side is a 402/403/422 depending on kind, and an
// unrecognized code fails closed as a 500 rather than guessing.
func statusForCode(code kernelerr.Code) int {
	switch code {
	case kernelerr.CodeRequestBindingEvidenceMismatch,
		kernelerr.CodeEvidenceMismatch,
		kernelerr.CodeExecutionIntentIdempotencyMismatch,
		kernelerr.CodeExecutionIntentConflict,
		kernelerr.CodeIdempotencyConflict,
		kernelerr.CodeChainPreconditionFailed,
		kernelerr.CodeDisputeOpenBindingEvidenceMismatch,
		kernelerr.CodeArbitrationBindingEvidenceMismatch,
		kernelerr.CodeDecisionHashMismatch,
		kernelerr.CodeReceiptHashMismatch,
		kernelerr.CodeReceiptDecisionHashMismatch:
		return http.StatusConflict

	case kernelerr.CodeInsufficientFunds:
		return http.StatusPaymentRequired

	case kernelerr.CodeOperatorActionSignerUnknown,
		kernelerr.CodeOperatorActionSignerRevoked,
		kernelerr.CodeAuthorityGrantRevoked,
		kernelerr.CodeAuthorityGrantNotActive,
		kernelerr.CodeAuthorityGrantExpired,
		kernelerr.CodeDisputeInvalidSigner,
		kernelerr.CodeAgentNotActive,
		kernelerr.CodeEmergencyKillSwitchActive,
		kernelerr.CodeEmergencyPauseActive,
		kernelerr.CodeEmergencyQuarantineActive,
		kernelerr.CodeToolProviderSignatureInvalid,
		kernelerr.CodeEventSignatureInvalid,
		kernelerr.CodeWalletIssuerDecisionInvalid,
		kernelerr.CodeRemoteSignerKeyMismatch,
		kernelerr.CodeGovernanceSignerNotTrusted:
		return http.StatusForbidden

	case kernelerr.CodeAuthorityGrantScopeMismatch,
		kernelerr.CodeAuthorityGrantPerCallExceed,
		kernelerr.CodeAuthorityGrantCumulExceed,
		kernelerr.CodeAuthorityGrantCurrencyMismatch,
		kernelerr.CodeRequestBindingRequired,
		kernelerr.CodeRequestBindingEvidenceRequired,
		kernelerr.CodeEvidenceRequired,
		kernelerr.CodeExecutionIntentRequired,
		kernelerr.CodeWalletIssuerDecisionRequired,
		kernelerr.CodeEventSignatureRequired,
		kernelerr.CodeDisputeWindowClosed,
		kernelerr.CodeToolCallVerdictNotBinary,
		kernelerr.CodeDisputeOpenBindingEvidenceRequired,
		kernelerr.CodeArbitrationBindingEvidenceRequired,
		kernelerr.CodeCanonicalValueNotRepresentable,
		kernelerr.CodeCanonicalDuplicateKey,
		kernelerr.CodeSignerAuthMissing:
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}
