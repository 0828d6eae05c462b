package server

import "github.com/gofiber/fiber/v2"

// APIResponse is the uniform envelope for JSON responses.
type APIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// SendSuccess writes a success envelope with the given status code.
func SendSuccess(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(APIResponse{
		Status: "success",
		Data:   data,
	})
}

// SendError writes an error envelope with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Status: "error",
		Error:  message,
	})
}
