package types

// Framed RPC: every request body is a canonical CBOR map carrying "cmd" plus
// the command fields; every response carries "status" ("ok" or an error
// code) plus the command result fields. One request per HTTP POST.

// RpcProbe extracts the command name before full decoding.
type RpcProbe struct {
	Cmd string `cbor:"cmd"`
}

type RpcOk struct {
	Status string `cbor:"status"`
}

// ---- authenticated ----

type PingRequest struct {
	Cmd  string `cbor:"cmd"`
	Ping string `cbor:"ping"`
}

type PingResponse struct {
	Status string `cbor:"status"`
	Pong   string `cbor:"pong"`
}

type CertificateGetRequest struct {
	Cmd            string                `cbor:"cmd"`
	CommonAfter    *Timestamp            `cbor:"common_after"`
	SequesterAfter *Timestamp            `cbor:"sequester_after"`
	ShamirAfter    map[UserID]Timestamp  `cbor:"shamir_recovery_after"`
	RealmAfter     map[RealmID]Timestamp `cbor:"realm_after"`
}

type CertificateGetResponse struct {
	Status                string                `cbor:"status"`
	CommonCertificates    [][]byte              `cbor:"common_certificates"`
	SequesterCertificates [][]byte              `cbor:"sequester_certificates"`
	ShamirCertificates    [][]byte              `cbor:"shamir_recovery_certificates"`
	RealmCertificates     map[RealmID][][]byte  `cbor:"realm_certificates"`
}

type UserCreateRequest struct {
	Cmd                       string `cbor:"cmd"`
	UserCertificate           []byte `cbor:"user_certificate"`
	DeviceCertificate         []byte `cbor:"device_certificate"`
	RedactedUserCertificate   []byte `cbor:"redacted_user_certificate"`
	RedactedDeviceCertificate []byte `cbor:"redacted_device_certificate"`
}

type UserUpdateRequest struct {
	Cmd                   string `cbor:"cmd"`
	UserUpdateCertificate []byte `cbor:"user_update_certificate"`
}

type UserRevokeRequest struct {
	Cmd                    string `cbor:"cmd"`
	RevokedUserCertificate []byte `cbor:"revoked_user_certificate"`
}

type DeviceCreateRequest struct {
	Cmd                       string `cbor:"cmd"`
	DeviceCertificate         []byte `cbor:"device_certificate"`
	RedactedDeviceCertificate []byte `cbor:"redacted_device_certificate"`
}

type RealmCreateRequest struct {
	Cmd                  string `cbor:"cmd"`
	RealmRoleCertificate []byte `cbor:"realm_role_certificate"`
}

type RealmShareRequest struct {
	Cmd                  string `cbor:"cmd"`
	RealmRoleCertificate []byte `cbor:"realm_role_certificate"`
	// RecipientKeysBundleAccess seals the current keys bundle for the new
	// member, at KeyIndex
	RecipientKeysBundleAccess []byte `cbor:"recipient_keys_bundle_access"`
	KeyIndex                  uint64 `cbor:"key_index"`
}

type RealmUnshareRequest struct {
	Cmd                  string `cbor:"cmd"`
	RealmRoleCertificate []byte `cbor:"realm_role_certificate"`
}

type RealmRenameRequest struct {
	Cmd                  string `cbor:"cmd"`
	RealmNameCertificate []byte `cbor:"realm_name_certificate"`
	InitialNameOrFail    bool   `cbor:"initial_name_or_fail"`
}

type RealmUpdateArchivingRequest struct {
	Cmd                       string `cbor:"cmd"`
	RealmArchivingCertificate []byte `cbor:"realm_archiving_certificate"`
}

type RealmRotateKeyRequest struct {
	Cmd                         string `cbor:"cmd"`
	RealmKeyRotationCertificate []byte `cbor:"realm_key_rotation_certificate"`
	KeysBundle                  []byte `cbor:"keys_bundle"`
	PerParticipantKeysBundleAccess map[UserID][]byte `cbor:"per_participant_keys_bundle_access"`
	PerSequesterServiceKeysBundleAccess map[SequesterServiceID][]byte `cbor:"per_sequester_service_keys_bundle_access"`
}

type RealmGetKeysBundleRequest struct {
	Cmd      string  `cbor:"cmd"`
	RealmID  RealmID `cbor:"realm_id"`
	KeyIndex uint64  `cbor:"key_index"`
}

type RealmGetKeysBundleResponse struct {
	Status           string `cbor:"status"`
	KeysBundle       []byte `cbor:"keys_bundle"`
	KeysBundleAccess []byte `cbor:"keys_bundle_access"`
}

type VlobCreateRequest struct {
	Cmd       string    `cbor:"cmd"`
	RealmID   RealmID   `cbor:"realm_id"`
	VlobID    VlobID    `cbor:"vlob_id"`
	KeyIndex  uint64    `cbor:"key_index"`
	Timestamp Timestamp `cbor:"timestamp"`
	Blob      []byte    `cbor:"blob"`
}

type VlobUpdateRequest struct {
	Cmd       string    `cbor:"cmd"`
	VlobID    VlobID    `cbor:"vlob_id"`
	KeyIndex  uint64    `cbor:"key_index"`
	Version   uint32    `cbor:"version"`
	Timestamp Timestamp `cbor:"timestamp"`
	Blob      []byte    `cbor:"blob"`
}

type VlobReadRequest struct {
	Cmd    string  `cbor:"cmd"`
	VlobID VlobID  `cbor:"vlob_id"`
	Version *uint32 `cbor:"version"`
	At      *Timestamp `cbor:"at"`
}

type VlobReadResponse struct {
	Status    string    `cbor:"status"`
	Blob      []byte    `cbor:"blob"`
	KeyIndex  uint64    `cbor:"key_index"`
	Author    DeviceID  `cbor:"author"`
	Version   uint32    `cbor:"version"`
	Timestamp Timestamp `cbor:"timestamp"`
}

type VlobPollChangesRequest struct {
	Cmd            string  `cbor:"cmd"`
	RealmID        RealmID `cbor:"realm_id"`
	LastCheckpoint uint64  `cbor:"last_checkpoint"`
}

type VlobPollChangesResponse struct {
	Status            string            `cbor:"status"`
	CurrentCheckpoint uint64            `cbor:"current_checkpoint"`
	Changes           map[VlobID]uint32 `cbor:"changes"`
}

type BlockCreateRequest struct {
	Cmd      string  `cbor:"cmd"`
	BlockID  BlockID `cbor:"block_id"`
	RealmID  RealmID `cbor:"realm_id"`
	KeyIndex uint64  `cbor:"key_index"`
	Block    []byte  `cbor:"block"`
}

type BlockReadRequest struct {
	Cmd     string  `cbor:"cmd"`
	BlockID BlockID `cbor:"block_id"`
}

type BlockReadResponse struct {
	Status   string `cbor:"status"`
	Block    []byte `cbor:"block"`
	KeyIndex uint64 `cbor:"key_index"`
}

type InviteNewUserRequest struct {
	Cmd          string `cbor:"cmd"`
	ClaimerEmail string `cbor:"claimer_email"`
	SendEmail    bool   `cbor:"send_email"`
}

type InviteNewDeviceRequest struct {
	Cmd       string `cbor:"cmd"`
	SendEmail bool   `cbor:"send_email"`
}

type InviteNewShamirRecoveryRequest struct {
	Cmd           string `cbor:"cmd"`
	ClaimerUserID UserID `cbor:"claimer_user_id"`
	SendEmail     bool   `cbor:"send_email"`
}

type InviteNewResponse struct {
	Status    string          `cbor:"status"`
	Token     InvitationToken `cbor:"token"`
	EmailSent bool            `cbor:"email_sent"`
}

type InviteListResponse struct {
	Status      string       `cbor:"status"`
	Invitations []Invitation `cbor:"invitations"`
}

type InviteCancelRequest struct {
	Cmd   string          `cbor:"cmd"`
	Token InvitationToken `cbor:"token"`
}

type InviteCompleteRequest struct {
	Cmd   string          `cbor:"cmd"`
	Token InvitationToken `cbor:"token"`
}

type InviteGreeterStartGreetingAttemptRequest struct {
	Cmd   string          `cbor:"cmd"`
	Token InvitationToken `cbor:"token"`
}

type StartGreetingAttemptResponse struct {
	Status          string            `cbor:"status"`
	GreetingAttempt GreetingAttemptID `cbor:"greeting_attempt"`
}

type InviteGreeterStepRequest struct {
	Cmd             string            `cbor:"cmd"`
	GreetingAttempt GreetingAttemptID `cbor:"greeting_attempt"`
	StepIndex       int               `cbor:"step_index"`
	GreeterStep     []byte            `cbor:"greeter_step"`
}

type InviteGreeterStepResponse struct {
	Status      string `cbor:"status"`
	ClaimerStep []byte `cbor:"claimer_step"`
}

type InviteGreeterCancelGreetingAttemptRequest struct {
	Cmd             string                         `cbor:"cmd"`
	GreetingAttempt GreetingAttemptID              `cbor:"greeting_attempt"`
	Reason          CancelledGreetingAttemptReason `cbor:"reason"`
}

type ConduitExchangeRequest struct {
	Cmd   string          `cbor:"cmd"`
	Token InvitationToken `cbor:"token"`
	State ConduitState    `cbor:"state"`
	Payload []byte        `cbor:"payload"`
}

type ConduitExchangeResponse struct {
	Status      string       `cbor:"status"`
	State       ConduitState `cbor:"state"`
	PeerPayload []byte       `cbor:"peer_payload"`
}

type ShamirRecoverySetupRequest struct {
	Cmd               string   `cbor:"cmd"`
	BriefCertificate  []byte   `cbor:"shamir_recovery_brief_certificate"`
	ShareCertificates [][]byte `cbor:"shamir_recovery_share_certificates"`
	// CipheredData and RevealToken are opaque recovery material
	CipheredData []byte          `cbor:"ciphered_data"`
	RevealToken  InvitationToken `cbor:"reveal_token"`
}

type ShamirRecoveryDeleteRequest struct {
	Cmd                 string `cbor:"cmd"`
	DeletionCertificate []byte `cbor:"shamir_recovery_deletion_certificate"`
}

type TosGetResponse struct {
	Status        string            `cbor:"status"`
	UpdatedOn     Timestamp         `cbor:"updated_on"`
	PerLocaleUrls map[string]string `cbor:"per_locale_urls"`
}

type TosAcceptRequest struct {
	Cmd       string    `cbor:"cmd"`
	UpdatedOn Timestamp `cbor:"updated_on"`
}

type PkiEnrollmentListResponse struct {
	Status      string              `cbor:"status"`
	Enrollments []PkiEnrollmentItem `cbor:"enrollments"`
}

type PkiEnrollmentItem struct {
	EnrollmentID           EnrollmentID `cbor:"enrollment_id"`
	SubmittedOn            Timestamp    `cbor:"submitted_on"`
	SubmitterDerX509       []byte       `cbor:"submitter_der_x509_certificate"`
	SubmitPayload          []byte       `cbor:"submit_payload"`
	SubmitPayloadSignature []byte       `cbor:"submit_payload_signature"`
}

type PkiEnrollmentAcceptRequest struct {
	Cmd                       string       `cbor:"cmd"`
	EnrollmentID              EnrollmentID `cbor:"enrollment_id"`
	AccepterDerX509           []byte       `cbor:"accepter_der_x509_certificate"`
	AcceptPayload             []byte       `cbor:"accept_payload"`
	AcceptPayloadSignature    []byte       `cbor:"accept_payload_signature"`
	UserCertificate           []byte       `cbor:"user_certificate"`
	DeviceCertificate         []byte       `cbor:"device_certificate"`
	RedactedUserCertificate   []byte       `cbor:"redacted_user_certificate"`
	RedactedDeviceCertificate []byte       `cbor:"redacted_device_certificate"`
}

type PkiEnrollmentRejectRequest struct {
	Cmd          string       `cbor:"cmd"`
	EnrollmentID EnrollmentID `cbor:"enrollment_id"`
}

// ---- invited ----

type InviteInfoResponse struct {
	Status            string         `cbor:"status"`
	Type              InvitationType `cbor:"type"`
	ClaimerEmail      string         `cbor:"claimer_email,omitempty"`
	GreeterUserID     UserID         `cbor:"greeter_user_id"`
	GreeterHumanHandle *HumanHandle  `cbor:"greeter_human_handle"`
	// Shamir recovery extras
	Threshold  uint8                   `cbor:"threshold,omitempty"`
	Recipients []ShamirRecoveryRecipient `cbor:"recipients,omitempty"`
}

type ShamirRecoveryRecipient struct {
	UserID      UserID       `cbor:"user_id"`
	HumanHandle *HumanHandle `cbor:"human_handle"`
	Shares      uint8        `cbor:"shares"`
}

type InviteClaimerStartGreetingAttemptRequest struct {
	Cmd           string `cbor:"cmd"`
	GreeterUserID UserID `cbor:"greeter"`
}

type InviteClaimerStepRequest struct {
	Cmd             string            `cbor:"cmd"`
	GreetingAttempt GreetingAttemptID `cbor:"greeting_attempt"`
	StepIndex       int               `cbor:"step_index"`
	ClaimerStep     []byte            `cbor:"claimer_step"`
}

type InviteClaimerStepResponse struct {
	Status      string `cbor:"status"`
	GreeterStep []byte `cbor:"greeter_step"`
}

type InviteClaimerCancelGreetingAttemptRequest struct {
	Cmd             string                         `cbor:"cmd"`
	GreetingAttempt GreetingAttemptID              `cbor:"greeting_attempt"`
	Reason          CancelledGreetingAttemptReason `cbor:"reason"`
}

// ---- anonymous ----

type OrganizationBootstrapRequest struct {
	Cmd            string  `cbor:"cmd"`
	BootstrapToken *string `cbor:"bootstrap_token"`
	RootVerifyKey  []byte  `cbor:"root_verify_key"`
	UserCertificate           []byte `cbor:"user_certificate"`
	DeviceCertificate         []byte `cbor:"device_certificate"`
	RedactedUserCertificate   []byte `cbor:"redacted_user_certificate"`
	RedactedDeviceCertificate []byte `cbor:"redacted_device_certificate"`
	SequesterAuthorityCertificate []byte `cbor:"sequester_authority_certificate"`
}

type PkiEnrollmentSubmitRequest struct {
	Cmd                    string       `cbor:"cmd"`
	EnrollmentID           EnrollmentID `cbor:"enrollment_id"`
	Force                  bool         `cbor:"force"`
	SubmitterDerX509       []byte       `cbor:"submitter_der_x509_certificate"`
	SubmitPayload          []byte       `cbor:"submit_payload"`
	SubmitPayloadSignature []byte       `cbor:"submit_payload_signature"`
}

type PkiEnrollmentSubmitResponse struct {
	Status      string    `cbor:"status"`
	SubmittedOn Timestamp `cbor:"submitted_on"`
}

type PkiEnrollmentInfoRequest struct {
	Cmd          string       `cbor:"cmd"`
	EnrollmentID EnrollmentID `cbor:"enrollment_id"`
}

type PkiEnrollmentInfoResponse struct {
	Status       string             `cbor:"status"`
	State        PkiEnrollmentState `cbor:"enrollment_state"`
	SubmittedOn  Timestamp          `cbor:"submitted_on"`
	AnsweredOn   Timestamp          `cbor:"answered_on,omitempty"`
	AcceptPayload          []byte   `cbor:"accept_payload,omitempty"`
	AcceptPayloadSignature []byte   `cbor:"accept_payload_signature,omitempty"`
}

// RpcError is the generic error response; rich errors add fields.
type RpcError struct {
	Status string `cbor:"status"`
	Detail string `cbor:"detail,omitempty"`
}

type RpcRequireGreaterTimestamp struct {
	Status              string    `cbor:"status"`
	StrictlyGreaterThan Timestamp `cbor:"strictly_greater_than"`
}

type RpcTimestampOutOfBallpark struct {
	Status                    string    `cbor:"status"`
	ClientTimestamp           Timestamp `cbor:"client_timestamp"`
	ServerTimestamp           Timestamp `cbor:"server_timestamp"`
	BallparkClientEarlyOffset int       `cbor:"ballpark_client_early_offset"`
	BallparkClientLateOffset  int       `cbor:"ballpark_client_late_offset"`
}

type RpcBadKeyIndex struct {
	Status                        string    `cbor:"status"`
	LastRealmCertificateTimestamp Timestamp `cbor:"last_realm_certificate_timestamp"`
}

type RpcParticipantMismatch struct {
	Status                        string    `cbor:"status"`
	LastRealmCertificateTimestamp Timestamp `cbor:"last_realm_certificate_timestamp"`
}

type RpcSequesterServiceMismatch struct {
	Status                            string    `cbor:"status"`
	LastSequesterCertificateTimestamp Timestamp `cbor:"last_sequester_certificate_timestamp"`
}

type RpcRejectedBySequesterService struct {
	Status    string             `cbor:"status"`
	ServiceID SequesterServiceID `cbor:"service_id"`
	Reason    string             `cbor:"reason"`
}

type RpcSequesterServiceUnavailable struct {
	Status    string             `cbor:"status"`
	ServiceID SequesterServiceID `cbor:"service_id"`
}

type RpcGreetingAttemptCancelled struct {
	Status    string                         `cbor:"status"`
	Origin    GreeterOrClaimer               `cbor:"origin"`
	Reason    CancelledGreetingAttemptReason `cbor:"reason"`
	Timestamp Timestamp                      `cbor:"timestamp"`
}
