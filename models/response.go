package models

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func SuccessResponse(data any) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
	}
}

// FailureResponse reports an error with a machine-readable code and, for
// rejected tile requests, the tile as it now stands.
func FailureResponse(code, err string, data any) APIResponse {
	return APIResponse{
		Success: false,
		Code:    code,
		Error:   err,
		Data:    data,
	}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
	}
}
