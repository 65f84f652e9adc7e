package types

// ConduitState names the steps of the older rendezvous API. The conduit is
// a thin façade over the greeting-attempt step log: each (side, state) pair
// maps to a fixed step index, except COMMUNICATE which consumes one fresh
// index per exchange.
type ConduitState string

const (
	ConduitWaitPeers           ConduitState = "WAIT_PEERS"
	ConduitClaimerHashedNonce  ConduitState = "CLAIMER_HASHED_NONCE"
	ConduitGreeterNonce        ConduitState = "GREETER_NONCE"
	ConduitClaimerNonce        ConduitState = "CLAIMER_NONCE"
	ConduitGreeterWaitTrust    ConduitState = "GREETER_WAIT_TRUST"
	ConduitClaimerSignifyTrust ConduitState = "CLAIMER_SIGNIFY_TRUST"
	ConduitGreeterSignifyTrust ConduitState = "GREETER_SIGNIFY_TRUST"
	ConduitClaimerWaitTrust    ConduitState = "CLAIMER_WAIT_TRUST"
	ConduitCommunicate         ConduitState = "COMMUNICATE"
)

// conduitCommunicateBase is the first step index used by COMMUNICATE
// exchanges.
const conduitCommunicateBase = 6

// ConduitTrustStep reports whether index carries a trust signal. A payload
// divergence on such a step means the SAS comparison failed on one side.
func ConduitTrustStep(index int) bool {
	return index == 4 || index == 5
}

// ConduitStepIndex resolves the unified step index for a conduit state on a
// side. Returns ok=false for a state that does not belong to the side.
func ConduitStepIndex(side GreeterOrClaimer, state ConduitState) (index int, communicate bool, ok bool) {
	switch state {
	case ConduitWaitPeers:
		return 0, false, true
	case ConduitClaimerHashedNonce:
		return 1, false, true
	case ConduitGreeterNonce:
		return 2, false, true
	case ConduitClaimerNonce:
		return 3, false, true
	case ConduitGreeterWaitTrust:
		return 4, false, side == Greeter
	case ConduitClaimerSignifyTrust:
		return 4, false, side == Claimer
	case ConduitGreeterSignifyTrust:
		return 5, false, side == Greeter
	case ConduitClaimerWaitTrust:
		return 5, false, side == Claimer
	case ConduitCommunicate:
		return conduitCommunicateBase, true, true
	}
	return 0, false, false
}
