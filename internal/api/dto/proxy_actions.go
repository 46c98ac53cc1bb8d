package dto

type ProvisionRequest struct {
	Count int `json:"count" validate:"omitempty,min=1,max=500"`
}

type ProvisionResponse struct {
	Added int `json:"added"`
}

type BurnRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

type BurnResponse struct {
	ID     string `json:"id"`
	Burned bool   `json:"burned"`
}
