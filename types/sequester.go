package types

type SequesterServiceType string

const (
	SequesterServiceStorage SequesterServiceType = "STORAGE"
	SequesterServiceWebhook SequesterServiceType = "WEBHOOK"
)

// SequesterService is one per-organization escrow service. Webhook-type
// services are called synchronously on every realm key rotation and may veto
// it.
type SequesterService struct {
	ID               SequesterServiceID   `json:"service_id"`
	Type             SequesterServiceType `json:"type"`
	Label            string               `json:"service_label"`
	CreatedOn        Timestamp            `json:"created_on"`
	RevokedOn        Timestamp            `json:"revoked_on,omitempty"`
	WebhookURL       string               `json:"webhook_url,omitempty"`
	EncryptionKeyDer []byte               `json:"-"`
}

func (s *SequesterService) IsRevoked() bool {
	return !s.RevokedOn.IsZero()
}
