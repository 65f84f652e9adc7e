package types

type PkiEnrollmentState string

const (
	PkiEnrollmentSubmitted PkiEnrollmentState = "SUBMITTED"
	PkiEnrollmentAccepted  PkiEnrollmentState = "ACCEPTED"
	PkiEnrollmentRejected  PkiEnrollmentState = "REJECTED"
	PkiEnrollmentCancelled PkiEnrollmentState = "CANCELLED"
)

// PkiEnrollment is an onboarding request backed by an X.509 certificate
// instead of an invitation token.
type PkiEnrollment struct {
	ID                 EnrollmentID       `json:"enrollment_id"`
	SubmittedOn        Timestamp          `json:"submitted_on"`
	State              PkiEnrollmentState `json:"enrollment_state"`
	DerX509Certificate []byte             `json:"-"`
	// SubmitPayload and its signature are opaque to the server; signature
	// validation against the X.509 chain goes through PkiCertificateValidator
	SubmitPayload          []byte    `json:"-"`
	SubmitPayloadSignature []byte    `json:"-"`
	AnsweredOn             Timestamp `json:"answered_on,omitempty"`
	// AcceptPayload is set when the enrollment was accepted
	AcceptPayload          []byte `json:"-"`
	AcceptPayloadSignature []byte `json:"-"`
}

// PkiCertificateValidator wraps X.509 handling (parse, trustchain, verify).
// The core never inspects certificate internals itself.
type PkiCertificateValidator interface {
	// VerifyPayload checks signature over payload against the DER-encoded
	// submitter certificate.
	VerifyPayload(derX509Certificate, payload, signature []byte) error
}

// AcceptAllValidator is the default validator: structure is checked by the
// client-side trustchain, the server stores enrollment material opaquely.
type AcceptAllValidator struct{}

func (AcceptAllValidator) VerifyPayload(derX509Certificate, payload, signature []byte) error {
	if len(derX509Certificate) == 0 {
		return ErrInvalidCertificate
	}
	return nil
}
