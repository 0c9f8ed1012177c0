package dto

type ProvisionAccountRequest struct {
	Platform      string `json:"platform"`
	Tier          string `json:"tier"`
	Username      string `json:"username"`
	MaxConcurrent int    `json:"maxConcurrent"`
	Secret        string `json:"secret"`
}

type AddMemberRequest struct {
	UserID string `json:"userId"`
}

type SetCapacityRequest struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

type RotateRequest struct {
	Reason string `json:"reason"`
}

type ResetSecretRequest struct {
	Secret string `json:"secret"`
}

type DeleteMemberResponse struct {
	Deleted map[string]int64 `json:"deleted"`
}
