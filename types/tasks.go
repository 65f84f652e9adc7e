package types

// Asynq task type names and payloads.
const TaskTypeInvitationEmail = "email:invitation"

type InvitationEmailTask struct {
	Organization OrganizationID  `json:"organization_id"`
	Token        InvitationToken `json:"token"`
	To           string          `json:"to"`
	GreeterLabel string          `json:"greeter_label"`
}
